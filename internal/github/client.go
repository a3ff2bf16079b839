// Package github resolves repository references against the GitHub API.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	gogh "github.com/google/go-github/v68/github"

	"github.com/aideator/aideator-sub000/internal/orchestrator"
)

// Client wraps the GitHub API for repository lookups.
type Client struct {
	gh *gogh.Client
}

// NewClient creates a GitHub client authenticated with the given token.
// baseURL targets a GitHub Enterprise or test server; empty means github.com.
func NewClient(token, baseURL string) (*Client, error) {
	gh := gogh.NewClient(nil)
	if token != "" {
		gh = gh.WithAuthToken(token)
	}
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing github base url: %w", err)
		}
		gh.BaseURL = u
	}
	return &Client{gh: gh}, nil
}

// DefaultBranch returns the default branch for a repository. Unknown or
// inaccessible repositories yield orchestrator.ErrRepoNotFound.
func (c *Client) DefaultBranch(ctx context.Context, repoRef string) (string, error) {
	owner, repo, err := ParseRepo(repoRef)
	if err != nil {
		return "", fmt.Errorf("%w: %v", orchestrator.ErrRepoNotFound, err)
	}

	r, _, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		var ghErr *gogh.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("%w: %s/%s", orchestrator.ErrRepoNotFound, owner, repo)
		}
		return "", fmt.Errorf("getting repository: %w", err)
	}

	if b := r.GetDefaultBranch(); b != "" {
		return b, nil
	}
	return "main", nil
}

// ParseRepo accepts "owner/repo" as well as https and git clone URLs.
func ParseRepo(ref string) (owner, repo string, err error) {
	s := strings.TrimSpace(ref)
	s = strings.TrimPrefix(s, "git@github.com:")
	if u, perr := url.Parse(s); perr == nil && u.Host != "" {
		s = u.Path
	}
	s = strings.Trim(s, "/")
	s = strings.TrimSuffix(s, ".git")

	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo format %q, expected \"owner/repo\"", ref)
	}
	return parts[0], parts[1], nil
}

var _ orchestrator.RepoResolver = (*Client)(nil)
