package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthenticated is returned by resolvers that cannot identify a caller.
var ErrUnauthenticated = errors.New("unauthenticated")

// IdentityResolver maps a request to a requester id.
type IdentityResolver interface {
	Resolve(r *http.Request) (string, error)
}

// HeaderResolver trusts an upstream proxy to put the user id in Header.
type HeaderResolver struct {
	Header string
}

// DefaultIdentityHeader is used when HeaderResolver.Header is empty.
const DefaultIdentityHeader = "X-Aideator-User"

func (h HeaderResolver) Resolve(r *http.Request) (string, error) {
	name := h.Header
	if name == "" {
		name = DefaultIdentityHeader
	}
	user := strings.TrimSpace(r.Header.Get(name))
	if user == "" {
		return "", ErrUnauthenticated
	}
	return user, nil
}

// StaticResolver attributes every request to one user, for local use.
type StaticResolver struct {
	User string
}

func (s StaticResolver) Resolve(*http.Request) (string, error) {
	return s.User, nil
}

type userKey struct{}

// UserFrom returns the requester id stored by the identity middleware.
func UserFrom(ctx context.Context) string {
	user, _ := ctx.Value(userKey{}).(string)
	return user
}

func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.identity.Resolve(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}
