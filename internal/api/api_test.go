// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"go.uber.org/zap"

	"github.com/cgps/neighbour/internal/cluster"
	"github.com/cgps/neighbour/internal/compressor"
	"github.com/cgps/neighbour/internal/durable/kvstore"
	"github.com/cgps/neighbour/internal/mask"
	"github.com/cgps/neighbour/internal/mixture"
	"github.com/cgps/neighbour/internal/reference"
	"github.com/cgps/neighbour/internal/service"
	"github.com/cgps/neighbour/internal/store"
)

func newTestServer(t *testing.T) (http.Handler, *service.Engine) {
	t.Helper()
	ref, err := reference.New("ref", []byte("ACTGACTGACTGACTGACTGACTGACTGACTG"))
	if err != nil {
		t.Fatal(err)
	}
	m := mask.New(nil)
	cmp := compressor.New(ref, m, 4)
	st := store.New(store.WithGenomeLength(ref.Len()))

	dur, err := kvstore.Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dur.Close() })

	policies := []cluster.Policy{{Name: "snp2", SNVThreshold: 2, Criterion: mixture.P1, Cutoff: 0.001}}
	mgr := cluster.NewManager(policies, st, 30)

	e := service.NewEngine(cmp, st, dur, mgr, 10)
	log := zap.NewNop().Sugar()
	return New(e, ref, m, log), e
}

func doJSON(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestInsertExistsAndSequence(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPut, "/guids/a/", []byte("ACTGACTGACTGACTGACTGACTGACTGACTG"))
	if rec.Code != http.StatusOK {
		t.Fatalf("insert: got status %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/guids/a/exists", nil)
	var exists map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &exists); err != nil {
		t.Fatal(err)
	}
	if !exists["exists"] {
		t.Error("expected exists=true after insert")
	}

	rec = doJSON(t, h, http.MethodGet, "/guids/a/sequence", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sequence: got status %d", rec.Code)
	}
	if rec.Body.String() != "ACTGACTGACTGACTGACTGACTGACTGACTG" {
		t.Errorf("got sequence %q, want original raw sequence", rec.Body.String())
	}
}

func TestExistsFalseForUnknownGuid(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doJSON(t, h, http.MethodGet, "/guids/nope/exists", nil)
	var exists map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &exists); err != nil {
		t.Fatal(err)
	}
	if exists["exists"] {
		t.Error("expected exists=false for a guid never inserted")
	}
}

func TestAnnotationRoundtrip(t *testing.T) {
	h, _ := newTestServer(t)
	doJSON(t, h, http.MethodPut, "/guids/a/", []byte("ACTGACTGACTGACTGACTGACTGACTGACTG"))

	rec := doJSON(t, h, http.MethodGet, "/guids/a/annotation/quality", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, body %s", rec.Code, rec.Body.String())
	}
	var dict map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &dict); err != nil {
		t.Fatal(err)
	}
	if _, ok := dict["quality"]; !ok {
		t.Errorf("got %+v, want a quality field", dict)
	}
}

func TestNeighboursWithinAndClustering(t *testing.T) {
	h, _ := newTestServer(t)
	doJSON(t, h, http.MethodPut, "/guids/a/", []byte("ACTGACTGACTGACTGACTGACTGACTGACTG"))
	doJSON(t, h, http.MethodPut, "/guids/b/", []byte("CCTGACTGACTGACTGACTGACTGACTGACTG"))

	rec := doJSON(t, h, http.MethodGet, "/guids/a/neighbours_within/10?format=full", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, body %s", rec.Code, rec.Body.String())
	}
	var links []interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &links); err != nil {
		t.Fatal(err)
	}
	if len(links) != 1 {
		t.Fatalf("got %d neighbours, want 1", len(links))
	}

	rec = doJSON(t, h, http.MethodGet, "/clustering/snp2/guids2clusters", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, body %s", rec.Code, rec.Body.String())
	}
	var mapping map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &mapping); err != nil {
		t.Fatal(err)
	}
	if mapping["a"] != mapping["b"] {
		t.Errorf("expected a and b in the same cluster, got %+v", mapping)
	}

	rec = doJSON(t, h, http.MethodGet, "/clustering/snp2/cluster_ids", nil)
	var ids []int64
	if err := json.Unmarshal(rec.Body.Bytes(), &ids); err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Fatalf("got %d cluster ids, want 1", len(ids))
	}

	rec = doJSON(t, h, http.MethodGet, "/clustering/snp2/clusters/"+strconv.FormatInt(ids[0], 10)+"/network", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("network: got status %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestMSAReturnsVariantSitesAndAlignment(t *testing.T) {
	h, _ := newTestServer(t)
	doJSON(t, h, http.MethodPut, "/guids/a/", []byte("ACTGACTGACTGACTGACTGACTGACTGACTG"))
	doJSON(t, h, http.MethodPut, "/guids/b/", []byte("CCTGACTGACTGACTGACTGACTGACTGACTG"))

	body, err := json.Marshal(msaRequest{Guids: []string{"a", "b"}})
	if err != nil {
		t.Fatal(err)
	}
	rec := doJSON(t, h, http.MethodPost, "/msa", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, body %s", rec.Code, rec.Body.String())
	}
	var resp msaResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.VariantSites) == 0 {
		t.Fatal("expected at least one variant site between a and b")
	}
	if resp.Aligned["a"] == resp.Aligned["b"] {
		t.Error("expected a and b to differ at their variant sites")
	}
}

func TestNucleotidesExcluded(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doJSON(t, h, http.MethodGet, "/nucleotides_excluded", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, body %s", rec.Code, rec.Body.String())
	}
}
