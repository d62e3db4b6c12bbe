package filegate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	errordefs "github.com/shopforge/shopforge-grant-go/internal/errors"
)

func newTestGate(t *testing.T) (*Gate, string) {
	t.Helper()

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "books"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "books", "novel.epub"), []byte("payload"), 0o600); err != nil {
		t.Fatal(err)
	}

	return New("gate-test-secret", root, time.Hour), root
}

func TestMintAndResolve(t *testing.T) {
	gate, root := newTestGate(t)

	capability, defErr := gate.Mint("books/novel.epub", "")
	if defErr != nil {
		t.Fatalf("mint failed: %v", defErr)
	}

	path, defErr := gate.Resolve(capability, "")
	if defErr != nil {
		t.Fatalf("resolve failed: %v", defErr)
	}
	want := filepath.Join(root, "books", "novel.epub")
	if path != want {
		t.Errorf("resolved path = %s, want %s", path, want)
	}
}

func TestResolveExpired(t *testing.T) {
	gate, _ := newTestGate(t)

	minted := time.Now().UTC()
	gate.now = func() time.Time { return minted }
	capability, defErr := gate.Mint("books/novel.epub", "")
	if defErr != nil {
		t.Fatal(defErr)
	}

	gate.now = func() time.Time { return minted.Add(2 * time.Hour) }
	_, defErr = gate.Resolve(capability, "")
	if defErr == nil || defErr.Code != errordefs.GRANT_EXPIRED {
		t.Errorf("expected GRANT_EXPIRED, got %v", defErr)
	}
}

func TestResolveTampered(t *testing.T) {
	gate, _ := newTestGate(t)

	capability, defErr := gate.Mint("books/novel.epub", "")
	if defErr != nil {
		t.Fatal(defErr)
	}

	// Flip a character in the signature segment
	parts := strings.Split(capability, ".")
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	parts[2] = string(sig)

	_, defErr = gate.Resolve(strings.Join(parts, "."), "")
	if defErr == nil || defErr.Code != errordefs.GRANT_JWT_INVALID {
		t.Errorf("expected GRANT_JWT_INVALID, got %v", defErr)
	}
}

func TestResolveWrongSecret(t *testing.T) {
	gate, root := newTestGate(t)
	other := New("another-secret", root, time.Hour)

	capability, defErr := other.Mint("books/novel.epub", "")
	if defErr != nil {
		t.Fatal(defErr)
	}

	_, defErr = gate.Resolve(capability, "")
	if defErr == nil || defErr.Code != errordefs.GRANT_JWT_INVALID {
		t.Errorf("expected GRANT_JWT_INVALID, got %v", defErr)
	}
}

func TestResolveRejectsForeignTokenType(t *testing.T) {
	gate, _ := newTestGate(t)

	// A structurally valid HS256 token signed with the gate secret but
	// without the filegate discriminator
	claims := jwt.MapClaims{
		"path": "books/novel.epub",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("gate-test-secret"))
	if err != nil {
		t.Fatal(err)
	}

	_, defErr := gate.Resolve(token, "")
	if defErr == nil || defErr.Code != errordefs.GRANT_JWT_INVALID {
		t.Errorf("expected GRANT_JWT_INVALID for missing typ, got %v", defErr)
	}
}

func TestMintRejectsEscapingPaths(t *testing.T) {
	gate, _ := newTestGate(t)

	for _, path := range []string{
		"",
		"/etc/passwd",
		"../outside.txt",
		"books/../../outside.txt",
	} {
		if _, defErr := gate.Mint(path, ""); defErr == nil {
			t.Errorf("expected mint to reject %q", path)
		}
	}
}

func TestResolveMissingFile(t *testing.T) {
	gate, _ := newTestGate(t)

	capability, defErr := gate.Mint("books/deleted.epub", "")
	if defErr != nil {
		t.Fatal(defErr)
	}

	_, defErr = gate.Resolve(capability, "")
	if defErr == nil || defErr.Code != errordefs.GRANT_NOT_FOUND {
		t.Errorf("expected GRANT_NOT_FOUND, got %v", defErr)
	}
}

func TestDeliveryMintsEndpointURL(t *testing.T) {
	gate, _ := newTestGate(t)
	delivery := NewDelivery(gate, "https://shop.example.com")

	url, expiresAt, err := delivery.Mint(t.Context(), "books/novel.epub")
	if err != nil {
		t.Fatalf("delivery mint failed: %v", err)
	}
	if !strings.HasPrefix(url, "https://shop.example.com/v1/files/") {
		t.Errorf("unexpected url: %s", url)
	}
	if time.Until(expiresAt) <= 0 {
		t.Error("expected a future expiry")
	}

	capability := strings.TrimPrefix(url, "https://shop.example.com/v1/files/")
	if _, defErr := gate.Resolve(capability, ""); defErr != nil {
		t.Errorf("capability from delivery url does not resolve: %v", defErr)
	}
}
