package bgt

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/status":
			_, _ = w.Write([]byte(`{"ok":true,"watcher":{"running":true,"source":"github:bitcoin/bitcoin"},"tags":[{"tag":"v27.1","stage":"Built"}]}`))
		case "/api/tags/v27.1":
			_, _ = w.Write([]byte(`{"ok":true,"tag":{"tag":"v27.1","stage":"Built"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"ok":false,"error":"Tag is not registered"}`))
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL)

	status, err := client.LoadStatus()
	require.NoError(t, err)
	require.True(t, status.Watcher.Running)
	require.Len(t, status.Tags, 1)

	tag, err := client.LoadTag("v27.1")
	require.NoError(t, err)
	require.Equal(t, "Built", tag.Stage)

	_, err = client.LoadTag("v1.0")
	require.ErrorContains(t, err, "Tag is not registered")
}
