// Package conformance provides a test harness for verifying grant-service
// API compliance.
package conformance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopforge/shopforge-grant-go/internal/catalog"
	"github.com/shopforge/shopforge-grant-go/internal/event"
	"github.com/shopforge/shopforge-grant-go/internal/filegate"
	"github.com/shopforge/shopforge-grant-go/internal/grant"
	"github.com/shopforge/shopforge-grant-go/internal/jwks"
	"github.com/shopforge/shopforge-grant-go/internal/ledger"
	"github.com/shopforge/shopforge-grant-go/internal/metrics"
	"github.com/shopforge/shopforge-grant-go/internal/purchase"
	"github.com/shopforge/shopforge-grant-go/internal/server"
)

// Config holds configuration for the conformance test harness.
type Config struct {
	// JWTIssuer is the expected JWT issuer
	JWTIssuer string

	// JWTAudience is the expected JWT audience
	JWTAudience string
}

// Harness provides a test harness for grant-service conformance testing.
// It wires the full HTTP surface over an in-memory ledger with fake
// purchase and catalog lookups.
type Harness struct {
	server *httptest.Server
	store  ledger.Store
	pub    event.Publisher
	cfg    Config

	uploadRoot string
	purchases  *fakePurchases
	products   *fakeCatalog
}

// fakePurchases implements purchase.Lookup over a fixed map.
type fakePurchases struct {
	byID map[string]*purchase.Purchase
}

func (f *fakePurchases) GetPurchase(ctx context.Context, id string) (*purchase.Purchase, error) {
	p, ok := f.byID[id]
	if !ok {
		return nil, purchase.ErrNotFound
	}
	return p, nil
}

// fakeCatalog implements catalog.Lookup over a fixed map.
type fakeCatalog struct {
	byID map[string]*catalog.Product
}

func (f *fakeCatalog) GetProduct(ctx context.Context, id string) (*catalog.Product, error) {
	p, ok := f.byID[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return p, nil
}

// NewHarness creates a new conformance test harness.
func NewHarness(cfg Config) (*Harness, error) {
	store := ledger.NewMemory()
	pub := event.NewPublisherFromEnv() // no NATS URL in tests, resolves to no-op

	uploadRoot, err := os.MkdirTemp("", "grant-conformance")
	if err != nil {
		return nil, fmt.Errorf("failed to create upload root: %w", err)
	}
	if err := os.WriteFile(filepath.Join(uploadRoot, "ebook.pdf"), []byte("conformance payload"), 0o600); err != nil {
		return nil, fmt.Errorf("failed to seed upload root: %w", err)
	}

	purchases := &fakePurchases{byID: map[string]*purchase.Purchase{
		"pur-1": {
			ID:            "pur-1",
			OwnerID:       "user-1",
			PaymentStatus: purchase.PaymentCompleted,
			Items:         []purchase.LineItem{{ResourceID: "prod-ebook", Quantity: 1}, {ResourceID: "prod-app", Quantity: 1}},
		},
		"pur-pending": {
			ID:            "pur-pending",
			OwnerID:       "user-1",
			PaymentStatus: purchase.PaymentPending,
			Items:         []purchase.LineItem{{ResourceID: "prod-ebook", Quantity: 1}},
		},
	}}
	products := &fakeCatalog{byID: map[string]*catalog.Product{
		"prod-ebook": {ID: "prod-ebook", IsDigital: true, FilePath: "ebook.pdf"},
		"prod-app":   {ID: "prod-app", IsLicensed: true},
	}}

	gate := filegate.New("conformance-gate-secret", uploadRoot, time.Hour)
	// Empty base URL keeps minted download URLs relative so the harness can
	// prepend the test server address.
	delivery := filegate.NewDelivery(gate, "")

	svc := grant.NewService(store, purchases, products, pub, metrics.NewMetrics(), grant.DefaultPolicy(), delivery)

	mux := server.NewMux(svc, store, gate, jwks.NewTestClient(), cfg.JWTIssuer, cfg.JWTAudience, nil, 30*24*time.Hour)

	return &Harness{
		server:     httptest.NewServer(mux),
		store:      store,
		pub:        pub,
		cfg:        cfg,
		uploadRoot: uploadRoot,
		purchases:  purchases,
		products:   products,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	h.pub.Close()
	os.RemoveAll(h.uploadRoot)
}

// BearerToken crafts a caller JWT accepted by the test-mode JWKS client.
func (h *Harness) BearerToken(subject, scope string) string {
	claims := jwt.MapClaims{
		"sub": subject,
		"iss": h.cfg.JWTIssuer,
		"aud": h.cfg.JWTAudience,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if scope != "" {
		claims["scope"] = scope
	}
	token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("conformance"))
	return token
}

// PostJSON posts a JSON body to a path, optionally with a bearer token.
func (h *Harness) PostJSON(path, bearer string, body interface{}) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest("POST", h.URL()+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return http.DefaultClient.Do(req)
}

// Get issues a GET request, optionally with a bearer token.
func (h *Harness) Get(path, bearer string) (*http.Response, error) {
	req, err := http.NewRequest("GET", h.URL()+path, nil)
	if err != nil {
		return nil, err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return http.DefaultClient.Do(req)
}

// DecodeData unmarshals the "data" member of a success envelope into dst.
func DecodeData(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	defer resp.Body.Close()

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("failed to decode response envelope: %v", err)
	}
	if err := json.Unmarshal(envelope.Data, dst); err != nil {
		t.Fatalf("failed to decode data member: %v", err)
	}
}

// ErrorCode extracts the error code from an error envelope.
func ErrorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()

	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("failed to decode error envelope: %v", err)
	}
	return envelope.Error.Code
}
