package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forkscope/forkscope/internal/notify"
	"github.com/forkscope/forkscope/internal/reconcile"
	"github.com/forkscope/forkscope/internal/rss"
	"github.com/forkscope/forkscope/pkg/chain"
)

func testHandler(t *testing.T) (*Handler, *notify.Notifier) {
	t.Helper()
	notifier := notify.New(nil)
	t.Cleanup(func() { notifier.Close() })

	networks := []*reconcile.Reconciler{
		reconcile.New(reconcile.Config{
			NetworkID: 1, NetworkName: "mainnet", NetworkDescription: "main network",
			MaxInterestingHeights: 25, Interval: time.Second,
		}, []*reconcile.Node{{ID: 0, Name: "alpha", Implementation: "core"}}, nil, notifier),
		reconcile.New(reconcile.Config{
			NetworkID: 2, NetworkName: "testnet",
			MaxInterestingHeights: 25, Interval: time.Second,
		}, nil, nil, notifier),
	}

	feeds := rss.NewGenerator("https://example.com")
	return NewHandler(networks, notifier, feeds, zap.NewNop(), "", "<p>footer</p>"), notifier
}

func TestHandleNetworks(t *testing.T) {
	h, _ := testHandler(t)
	srv := httptest.NewServer(h.NewRouter())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/networks.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded chain.NetworksResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.Len(t, decoded.Networks, 2)
	assert.Equal(t, "mainnet", decoded.Networks[0].Name)
	assert.Equal(t, 2, decoded.Networks[1].ID)
}

func TestHandleData(t *testing.T) {
	h, _ := testHandler(t)

	// Seed one header so the export is not empty.
	var hash chain.Hash
	hash[0] = 1
	_, err := h.Networks[0].Graph().InsertHeader(chain.Header{Hash: hash, Height: 0, Bits: 0x1d00ffff})
	require.NoError(t, err)

	srv := httptest.NewServer(h.NewRouter())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/1/data.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded chain.DataResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.Len(t, decoded.HeaderInfos, 1)
	assert.Equal(t, hash.String(), decoded.HeaderInfos[0].Hash)
	require.Len(t, decoded.Nodes, 1)
	assert.Equal(t, "alpha", decoded.Nodes[0].Name)
}

func TestHandleDataUnknownNetwork(t *testing.T) {
	h, _ := testHandler(t)
	srv := httptest.NewServer(h.NewRouter())
	defer srv.Close()

	for _, path := range []string{"/api/99/data.json", "/api/notanumber/data.json"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestHandleInfo(t *testing.T) {
	h, _ := testHandler(t)
	srv := httptest.NewServer(h.NewRouter())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/info.json")
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.Equal(t, "<p>footer</p>", decoded["footer"])
}

func TestHandleHealth(t *testing.T) {
	h, _ := testHandler(t)
	srv := httptest.NewServer(h.NewRouter())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleFeedRoutes(t *testing.T) {
	h, _ := testHandler(t)
	srv := httptest.NewServer(h.NewRouter())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/rss/1/forks.xml")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/rss+xml", resp.Header.Get("Content-Type"))
}

func TestHandleChangesSSE(t *testing.T) {
	h, notifier := testHandler(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/changes", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.HandleChangesSSE(rec, req)
	}()

	// Give the handler time to subscribe before publishing.
	time.Sleep(200 * time.Millisecond)
	notifier.Notify(1)
	time.Sleep(400 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SSE handler did not return on context cancel")
	}

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(body, ": connected"))
	assert.Contains(t, body, "event: tip_changed")
	assert.Contains(t, body, `data: {"network_id":1}`)
}
