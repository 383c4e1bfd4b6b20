package gitlab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitGitLabStatus(t *testing.T) {
	tests := []struct {
		in             string
		status, concl  string
	}{
		{"success", "completed", "success"},
		{"failed", "completed", "failed"},
		{"pending", "queued", ""},
		{"running", "in_progress", ""},
	}
	for _, tc := range tests {
		status, concl := splitGitLabStatus(tc.in)
		require.Equal(t, tc.status, status)
		require.Equal(t, tc.concl, concl)
	}
}

func TestDefaultBranch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/projects/acme%2Fweb", r.URL.EscapedPath())
		require.Equal(t, "tok", r.Header.Get("PRIVATE-TOKEN"))
		json.NewEncoder(w).Encode(map[string]string{"default_branch": "main"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", 1)
	branch, err := c.DefaultBranch(context.Background(), "acme/web")
	require.NoError(t, err)
	require.Equal(t, "main", branch)
}

func TestDeleteWebhookPropagatesNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", 1)
	err := c.DeleteWebhook(context.Background(), "acme/web", "123")
	require.Error(t, err)
}
