package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/caseiter/driver/internal/caseiter"
	"github.com/caseiter/driver/internal/monitor"
	"github.com/caseiter/driver/internal/recorder"
)

// openRecorder picks the Recorder backend from dsn: a postgres:// URL
// selects PostgresRecorder, anything else (including "") is treated as
// a SQLite file path.
func openRecorder(ctx context.Context, dsn string) (caseiter.Recorder, func(), error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		r, err := recorder.NewPostgresRecorder(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	}

	path := dsn
	if path == "" {
		path = "cases.db"
	}
	r, err := recorder.NewSQLiteRecorder(path)
	if err != nil {
		return nil, nil, err
	}
	return r, func() { r.Close() }, nil
}

// demoPackager writes a placeholder artifact file per run, so the
// concurrent demo path exercises real packaging plus the
// artifact-transfer-skip optimization the same way a real model would.
type demoPackager struct{}

func (demoPackager) Package(name, version string) (string, []string, []string, error) {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("caseiter-demo-%s-%s.artifact", name, version))
	if err := os.WriteFile(path, []byte("demo artifact"), 0o644); err != nil {
		return "", nil, nil, fmt.Errorf("caseiter: writing demo artifact: %w", err)
	}
	return path, nil, nil, nil
}

func serveMonitor(ctx context.Context, addr string, mon *monitor.Server) error {
	srv := &http.Server{Addr: addr, Handler: mon.Handler()}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
