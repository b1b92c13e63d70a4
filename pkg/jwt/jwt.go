package jwt

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrCannotSign   = errors.New("manager has no signing key")
)

// Token types.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Claims represents JWT claims issued by the auth service.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string   `json:"user_id"`
	Email    string   `json:"email"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	Type     string   `json:"type"` // "access" or "refresh"
}

// Config configures token verification (and optionally signing).
type Config struct {
	Algorithm      string        `mapstructure:"algorithm"` // "HS256" or "RS256"
	Secret         string        `mapstructure:"secret"`
	PublicKeyPEM   string        `mapstructure:"public_key"`
	PrivateKeyPEM  string        `mapstructure:"private_key"`
	Issuer         string        `mapstructure:"issuer"`
	AccessDuration time.Duration `mapstructure:"access_duration"`
}

// Manager verifies access tokens and, when it holds a signing key, issues them.
type Manager struct {
	method         jwt.SigningMethod
	signKey        interface{}
	verifyKey      interface{}
	issuer         string
	accessDuration time.Duration
}

// NewManager creates a Manager from configuration.
func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{
		issuer:         cfg.Issuer,
		accessDuration: cfg.AccessDuration,
	}
	if m.accessDuration <= 0 {
		m.accessDuration = 15 * time.Minute
	}

	switch strings.ToUpper(cfg.Algorithm) {
	case "", "HS256":
		if cfg.Secret == "" {
			return nil, errors.New("jwt secret is required for HS256")
		}
		m.method = jwt.SigningMethodHS256
		m.signKey = []byte(cfg.Secret)
		m.verifyKey = []byte(cfg.Secret)

	case "RS256":
		m.method = jwt.SigningMethodRS256
		if cfg.PrivateKeyPEM != "" {
			key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKeyPEM))
			if err != nil {
				return nil, fmt.Errorf("failed to parse rsa private key: %w", err)
			}
			m.signKey = key
			m.verifyKey = &key.PublicKey
		}
		if cfg.PublicKeyPEM != "" {
			key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKeyPEM))
			if err != nil {
				return nil, fmt.Errorf("failed to parse rsa public key: %w", err)
			}
			m.verifyKey = key
		}
		if m.verifyKey == nil {
			return nil, errors.New("rsa public or private key is required for RS256")
		}

	default:
		return nil, fmt.Errorf("unsupported jwt algorithm: %s", cfg.Algorithm)
	}

	return m, nil
}

// NewRSAManager creates a Manager around an in-memory RSA key pair.
func NewRSAManager(key *rsa.PrivateKey, issuer string, accessDuration time.Duration) *Manager {
	return &Manager{
		method:         jwt.SigningMethodRS256,
		signKey:        key,
		verifyKey:      &key.PublicKey,
		issuer:         issuer,
		accessDuration: accessDuration,
	}
}

// GenerateAccessToken signs an access token for the user.
func (m *Manager) GenerateAccessToken(userID, email, username string, roles []string) (string, time.Time, error) {
	if m.signKey == nil {
		return "", time.Time{}, ErrCannotSign
	}

	now := time.Now()
	exp := now.Add(m.accessDuration)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		UserID:   userID,
		Email:    email,
		Username: username,
		Roles:    roles,
		Type:     TypeAccess,
	}

	token, err := jwt.NewWithClaims(m.method, claims).SignedString(m.signKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// ValidateToken validates an access token and returns its claims.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{m.method.Alg()})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return m.verifyKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != TypeAccess {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
