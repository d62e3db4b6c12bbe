// internal/filegate/gate.go
// Package filegate mints and resolves short-lived signed file capabilities.
// A capability is an HS256 JWT naming one file path; holding a valid token
// is the only authorization the file endpoint checks. Gate tokens are
// decoupled from grant tokens: redeeming a grant mints a gate token, and
// the gate token expires on its own short clock.
package filegate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	errordefs "github.com/shopforge/shopforge-grant-go/internal/errors"
)

// tokenType discriminates gate tokens from any other JWT signed with a
// shared secret. Resolution rejects tokens without it.
const tokenType = "filegate"

// Gate mints and resolves signed file capabilities rooted at a single
// upload directory.
type Gate struct {
	secret     []byte
	uploadRoot string
	ttl        time.Duration

	// now is injectable for tests
	now func() time.Time
}

// New creates a gate. uploadRoot is the directory all resolved paths must
// stay inside; ttl is the capability lifetime.
func New(secret string, uploadRoot string, ttl time.Duration) *Gate {
	return &Gate{
		secret:     []byte(secret),
		uploadRoot: filepath.Clean(uploadRoot),
		ttl:        ttl,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// gateClaims is the signed payload of a file capability.
type gateClaims struct {
	Type string `json:"typ"`
	Path string `json:"path"`
	jwt.RegisteredClaims
}

// Mint signs a capability for one relative file path.
func (g *Gate) Mint(path string, correlationID string) (string, *errordefs.Error) {
	if err := g.checkPath(path); err != nil {
		return "", errordefs.New(errordefs.GRANT_BAD_REQUEST, err.Error(), correlationID)
	}

	now := g.now()
	claims := gateClaims{
		Type: tokenType,
		Path: path,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", errordefs.New(errordefs.GRANT_INTERNAL, "failed to sign file capability", correlationID)
	}
	return signed, nil
}

// TTL returns the capability lifetime.
func (g *Gate) TTL() time.Duration {
	return g.ttl
}

// Resolve verifies a capability and returns the absolute path of the file
// it names. The file must exist and sit inside the upload root.
func (g *Gate) Resolve(capability string, correlationID string) (string, *errordefs.Error) {
	claims := &gateClaims{}
	token, err := jwt.ParseWithClaims(capability, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return g.secret, nil
	}, jwt.WithTimeFunc(g.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", errordefs.New(errordefs.GRANT_EXPIRED, "download link expired", correlationID)
		}
		return "", errordefs.New(errordefs.GRANT_JWT_INVALID, "invalid file capability", correlationID)
	}
	if !token.Valid || claims.Type != tokenType {
		return "", errordefs.New(errordefs.GRANT_JWT_INVALID, "invalid file capability", correlationID)
	}

	if pathErr := g.checkPath(claims.Path); pathErr != nil {
		return "", errordefs.New(errordefs.GRANT_JWT_INVALID, "invalid file capability", correlationID)
	}

	abs := filepath.Join(g.uploadRoot, filepath.Clean("/"+claims.Path))
	if _, statErr := os.Stat(abs); statErr != nil {
		return "", errordefs.New(errordefs.GRANT_NOT_FOUND, "file not found", correlationID)
	}
	return abs, nil
}

// checkPath rejects paths that could escape the upload root. Paths are
// always interpreted relative to the root.
func (g *Gate) checkPath(path string) error {
	if path == "" {
		return errors.New("empty file path")
	}
	if filepath.IsAbs(path) {
		return errors.New("absolute file path")
	}
	cleaned := filepath.Clean(path)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return errors.New("file path escapes upload root")
	}
	return nil
}
