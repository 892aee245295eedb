package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/config"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/storage/storagemock"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

type stubStatus struct {
	status types.Status
}

func (s *stubStatus) GetStatus() types.Status { return s.status }

func newTestServer(store *storagemock.Mock) (*Server, *stubStatus) {
	status := &stubStatus{status: types.Status{
		State:         types.PhaseMonitoring,
		Running:       true,
		DecisionCount: 3,
	}}
	return New(config.WebServerConfig{Host: "127.0.0.1", Port: 0}, status, store), status
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(storagemock.New())
	ts := httptest.NewServer(srv.setupHandler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got types.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, types.PhaseMonitoring, got.State)
	assert.True(t, got.Running)
	assert.Equal(t, 3, got.DecisionCount)
}

func TestDecisionsEndpoint(t *testing.T) {
	store := storagemock.New()
	now := time.Now()
	store.Decisions = []types.Decision{
		{Timestamp: now.Add(-2 * time.Hour), Action: types.ActionChargeGrid},
		{Timestamp: now.Add(-30 * time.Hour), Action: types.ActionWait},
	}
	srv, _ := newTestServer(store)
	ts := httptest.NewServer(srv.setupHandler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/decisions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []types.Decision
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	// the default window covers the trailing day only
	require.Len(t, got, 1)
	assert.Equal(t, types.ActionChargeGrid, got[0].Action)
}

func TestDecisionsSinceParam(t *testing.T) {
	store := storagemock.New()
	now := time.Now()
	store.Decisions = []types.Decision{
		{Timestamp: now.Add(-2 * time.Hour), Action: types.ActionChargeGrid},
		{Timestamp: now.Add(-30 * time.Hour), Action: types.ActionWait},
	}
	srv, _ := newTestServer(store)
	ts := httptest.NewServer(srv.setupHandler())
	defer ts.Close()

	since := now.Add(-48 * time.Hour).Format(time.RFC3339)
	resp, err := http.Get(ts.URL + "/api/decisions?since=" + since)
	require.NoError(t, err)
	defer resp.Body.Close()

	var got []types.Decision
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Len(t, got, 2)
}

func TestBadTimeRange(t *testing.T) {
	srv, _ := newTestServer(storagemock.New())
	ts := httptest.NewServer(srv.setupHandler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/decisions?since=yesterday")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	store := storagemock.New()
	srv, _ := newTestServer(store)
	ts := httptest.NewServer(srv.setupHandler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	store.Err = errors.New("disk full")
	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	srv, _ := newTestServer(storagemock.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}
