package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHandleHealthz(t *testing.T) {
	s := New(zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())
}

func TestPublishThenHandleWorkersReturnsSnapshot(t *testing.T) {
	s := New(zap.NewNop())
	s.Publish(WorkerSnapshot{Name: "w1", State: "ready", InUse: true})

	req := httptest.NewRequest(http.MethodGet, "/api/workers", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var snaps []WorkerSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snaps))
	require.Len(t, snaps, 1)
	require.Equal(t, "w1", snaps[0].Name)
	require.True(t, snaps[0].InUse)
}

func TestPublishOverwritesSameWorkerName(t *testing.T) {
	s := New(zap.NewNop())
	s.Publish(WorkerSnapshot{Name: "w1", State: "ready"})
	s.Publish(WorkerSnapshot{Name: "w1", State: "error"})

	req := httptest.NewRequest(http.MethodGet, "/api/workers", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	var snaps []WorkerSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snaps))
	require.Len(t, snaps, 1)
	require.Equal(t, "error", snaps[0].State)
}

func TestPublishDoesNotBlockWhenBroadcastBufferFull(t *testing.T) {
	s := New(zap.NewNop())
	for i := 0; i < cap(s.broadcast)+10; i++ {
		s.Publish(WorkerSnapshot{Name: "w1", State: "ready"})
	}
}
