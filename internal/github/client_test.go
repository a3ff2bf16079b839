package github

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aideator/aideator-sub000/internal/orchestrator"
)

func TestParseRepo(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantOwner string
		wantRepo  string
		wantErr   bool
	}{
		{name: "standard owner/repo", input: "owner/repo", wantOwner: "owner", wantRepo: "repo"},
		{name: "hyphenated org and repo", input: "my-org/my-repo", wantOwner: "my-org", wantRepo: "my-repo"},
		{name: "https url", input: "https://github.com/acme/widgets", wantOwner: "acme", wantRepo: "widgets"},
		{name: "clone url", input: "https://github.com/acme/widgets.git", wantOwner: "acme", wantRepo: "widgets"},
		{name: "ssh url", input: "git@github.com:acme/widgets.git", wantOwner: "acme", wantRepo: "widgets"},
		{name: "empty string", input: "", wantErr: true},
		{name: "no slash", input: "noslash", wantErr: true},
		{name: "empty owner", input: "/repo", wantErr: true},
		{name: "extra path segment", input: "a/b/c", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner, repo, err := ParseRepo(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOwner, owner)
			assert.Equal(t, tt.wantRepo, repo)
		})
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient("test-token", srv.URL)
	require.NoError(t, err)
	return c
}

func TestDefaultBranch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/widgets", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"full_name":"acme/widgets","default_branch":"trunk"}`))
	})

	branch, err := c.DefaultBranch(context.Background(), "https://github.com/acme/widgets.git")
	require.NoError(t, err)
	assert.Equal(t, "trunk", branch)
}

func TestDefaultBranchNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Not Found"}`))
	})

	_, err := c.DefaultBranch(context.Background(), "acme/nope")
	assert.ErrorIs(t, err, orchestrator.ErrRepoNotFound)
}

func TestDefaultBranchServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.DefaultBranch(context.Background(), "acme/widgets")
	require.Error(t, err)
	assert.NotErrorIs(t, err, orchestrator.ErrRepoNotFound)
}

func TestDefaultBranchInvalidRef(t *testing.T) {
	c, err := NewClient("", "")
	require.NoError(t, err)
	_, err = c.DefaultBranch(context.Background(), "not a repo")
	assert.ErrorIs(t, err, orchestrator.ErrRepoNotFound)
}
