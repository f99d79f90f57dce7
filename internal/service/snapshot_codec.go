// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package service

import (
	"encoding/json"

	"github.com/cgps/neighbour/internal/cluster"
)

func marshalSnapshot(snap cluster.GraphSnapshot) ([]byte, error) {
	return json.Marshal(snap)
}

func unmarshalSnapshot(b []byte) (cluster.GraphSnapshot, error) {
	var snap cluster.GraphSnapshot
	err := json.Unmarshal(b, &snap)
	return snap, err
}
