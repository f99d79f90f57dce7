// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package applog wraps zap construction so call sites receive a logger
// value, never a package-level global, the way kortschak/ins's
// logCapture wraps an io.WriteCloser around the standard logger.
package applog

import (
	"bufio"
	"bytes"
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures logger construction.
type Options struct {
	// Development enables human-readable console output instead of JSON,
	// and debug-level verbosity.
	Development bool
	// Level is the minimum enabled level in production mode. Ignored
	// when Development is true.
	Level zapcore.Level
}

// New builds a *zap.SugaredLogger per opt.
func New(opt Options) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if opt.Development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(opt.Level)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// Capture returns an io.WriteCloser that scans writes line by line and
// emits each non-blank line to log at Info level under field, mirroring
// logCapture's role of piping an external tool's stdout/stderr into the
// application's own logger.
func Capture(log *zap.SugaredLogger, field string) io.WriteCloser {
	r, w := io.Pipe()
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			log.Infow(string(line), "source", field)
		}
		if err := sc.Err(); err != nil && err != io.EOF {
			_ = w.CloseWithError(err)
		}
	}()
	return w
}
