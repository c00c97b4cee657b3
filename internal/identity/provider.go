// Package identity supplies credentials for opening region streams. The
// session layer only borrows tokens; it never stores or refreshes them itself.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/storm-stream-client/internal/domain"
)

// ErrNoRefreshToken is returned when a refresh is needed but the session holds no refresh token.
var ErrNoRefreshToken = errors.New("no refresh token")

// Provider is the identity collaborator consumed by the registry.
type Provider interface {
	IsAuthenticated() bool
	Token() string
	UserID() string
	// IsTokenExpired reports whether less than minValidity remains on the access token.
	IsTokenExpired(minValidity time.Duration) bool
	// RefreshToken refreshes the held token when it expires within minValidity.
	RefreshToken(ctx context.Context, minValidity time.Duration) error
	// Login triggers the external login redirect.
	Login() error
}

// Acquire returns a credential that is valid for at least minValidity.
// An unauthenticated provider gets a login redirect and the start is aborted.
// An expiring token is refreshed exactly once; a failed refresh aborts the
// start rather than opening a doomed stream.
func Acquire(ctx context.Context, p Provider, minValidity time.Duration) (domain.Credential, error) {
	if !p.IsAuthenticated() {
		if err := p.Login(); err != nil {
			return domain.Credential{}, fmt.Errorf("%w: not authenticated: %w", domain.ErrAuthenticationMissing, err)
		}
		return domain.Credential{}, fmt.Errorf("%w: not authenticated", domain.ErrAuthenticationMissing)
	}

	if p.IsTokenExpired(minValidity) {
		if err := p.RefreshToken(ctx, minValidity); err != nil {
			return domain.Credential{}, fmt.Errorf("%w: refresh token: %w", domain.ErrAuthenticationMissing, err)
		}
	}

	cred := domain.Credential{Token: p.Token(), UserID: p.UserID()}
	if cred.Token == "" || cred.UserID == "" {
		return domain.Credential{}, fmt.Errorf("%w: token or user id is empty", domain.ErrAuthenticationMissing)
	}
	return cred, nil
}
