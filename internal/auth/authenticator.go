// Package auth resolves the credential presented at connect time into the
// identity used for the life of the connection.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/weiawesome/wes-io-live/watchparty-service/internal/domain"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/middleware"
)

var ErrMissingToken = errors.New("missing access token")

// Authenticator turns a credential into an identity.
type Authenticator interface {
	Authenticate(token string) (domain.Identity, error)
}

// JWTAuthenticator verifies access tokens locally with the shared signing key.
type JWTAuthenticator struct {
	validator middleware.TokenValidator
}

func NewJWTAuthenticator(validator middleware.TokenValidator) *JWTAuthenticator {
	return &JWTAuthenticator{validator: validator}
}

func (a *JWTAuthenticator) Authenticate(token string) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, ErrMissingToken
	}
	claims, err := a.validator.ValidateToken(token)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("authenticate: %w", err)
	}
	if claims.UserID == "" {
		return domain.Identity{}, fmt.Errorf("authenticate: token has no subject")
	}
	if !domain.ValidID(claims.UserID) {
		return domain.Identity{}, fmt.Errorf("authenticate: unsupported subject %q", claims.UserID)
	}

	username := claims.Username
	if username == "" {
		username = claims.Email
	}
	if username == "" {
		username = claims.UserID
	}
	return domain.Identity{UserID: claims.UserID, Username: username, Roles: claims.Roles}, nil
}

// TokenFromRequest reads the credential of a WebSocket upgrade request:
// the token query parameter, else a bearer Authorization header. Browsers
// cannot set headers on WebSocket requests, hence the query parameter.
func TokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	token, _ := middleware.BearerToken(r.Header.Get(middleware.AuthHeaderKey))
	return token
}
