// internal/server/mux.go
// Package server implements the HTTP handlers and routing for the grant
// service. It provides RESTful endpoints for grant issuance, redemption,
// license activation, and administration, with JWT authentication on the
// authenticated surface and schema validation on every mutating request.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	errordefs "github.com/shopforge/shopforge-grant-go/internal/errors"
	"github.com/shopforge/shopforge-grant-go/internal/filegate"
	"github.com/shopforge/shopforge-grant-go/internal/grant"
	"github.com/shopforge/shopforge-grant-go/internal/jwks"
	"github.com/shopforge/shopforge-grant-go/internal/ledger"
	"github.com/shopforge/shopforge-grant-go/internal/metrics"
	"github.com/shopforge/shopforge-grant-go/internal/model"
	"github.com/shopforge/shopforge-grant-go/internal/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	// Context keys for storing request-scoped values
	ContextKeySubject       ContextKey = "subject"       // Authenticated user ID from JWT
	ContextKeyClaims        ContextKey = "claims"        // Full JWT claims
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking

	// Default limits for list operations
	DefaultListLimit = 25  // Default number of grants to return
	MaxListLimit     = 100 // Maximum number of grants to return

	// maxBodyBytes caps request bodies; grant requests are small.
	maxBodyBytes = 64 * 1024
)

// Mux handles HTTP requests for the grant service.
type Mux struct {
	mux       *http.ServeMux    // HTTP request multiplexer
	svc       *grant.Service    // Grant operations
	store     ledger.Store      // Ledger, used directly by readiness checks
	gate      *filegate.Gate    // Signed file capabilities
	jwksC     *jwks.Client      // JWKS client for JWT validation
	validator *schema.Validator // Request body validation
	metrics   *metrics.Metrics  // Metrics for monitoring

	jwtIssuer   string // Expected JWT issuer for validation
	jwtAudience string // Expected JWT audience for validation

	// retention governs how long retired grants survive before the manual
	// sweep deletes them
	retention time.Duration

	// CORS configuration
	corsAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// NewMux creates a new HTTP mux with all grant endpoints.
func NewMux(svc *grant.Service, store ledger.Store, gate *filegate.Gate, jwksClient *jwks.Client, jwtIssuer, jwtAudience string, corsAllowedOrigins []string, retention time.Duration) *http.ServeMux {
	validator, err := schema.NewValidator()
	if err != nil {
		slog.Error("failed to initialize schema validator", "error", err)
		os.Exit(1)
	}

	if jwksClient == nil {
		jwksClient = jwks.NewClient(fmt.Sprintf("%s/.well-known/jwks.json", jwtIssuer))
	}

	m := &Mux{
		mux:                http.NewServeMux(),
		svc:                svc,
		store:              store,
		gate:               gate,
		jwksC:              jwksClient,
		validator:          validator,
		metrics:            metrics.NewMetrics(),
		jwtIssuer:          jwtIssuer,
		jwtAudience:        jwtAudience,
		retention:          retention,
		corsAllowedOrigins: corsAllowedOrigins,
	}

	// Register health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	// Authenticated surface: issuance, listing, administration
	m.mux.HandleFunc("/v1/grants/issue", m.method("POST", m.withMiddleware(m.withAuth(m.handleIssue, false))))
	m.mux.HandleFunc("/v1/grants", m.method("GET", m.withMiddleware(m.withAuth(m.handleList, false))))
	m.mux.HandleFunc("/v1/admin/grants/revoke", m.method("POST", m.withMiddleware(m.withAuth(m.handleRevoke, true))))
	m.mux.HandleFunc("/v1/admin/grants/regenerate", m.method("POST", m.withMiddleware(m.withAuth(m.handleRegenerate, true))))
	m.mux.HandleFunc("/v1/admin/sweep", m.method("POST", m.withMiddleware(m.withAuth(m.handleSweep, true))))

	// Public surface: the token itself is the credential
	m.mux.HandleFunc("/v1/grants/redeem", m.method("POST", m.withMiddleware(m.handleRedeem)))
	m.mux.HandleFunc("/v1/grants/validate", m.method("GET", m.withMiddleware(m.handleValidate)))
	m.mux.HandleFunc("/v1/licenses/activate", m.method("POST", m.withMiddleware(m.handleActivate)))
	m.mux.HandleFunc("/v1/licenses/deactivate", m.method("POST", m.withMiddleware(m.handleDeactivate)))
	m.mux.HandleFunc("/v1/licenses/validate", m.method("GET", m.withMiddleware(m.handleValidateLicense)))
	m.mux.HandleFunc("/v1/files/", m.method("GET", m.withMiddleware(m.handleServeFile)))

	return m.mux
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "OPTIONS" {
			h(w, r)
			return
		}
		if r.Method != method {
			err := errordefs.New(errordefs.GRANT_BAD_REQUEST, "method not allowed", "")
			m.writeErrorDef(w, err)
			return
		}
		h(w, r)
	}
}

// withMiddleware applies common middleware to handlers
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Handle CORS preflight requests
		if r.Method == "OPTIONS" {
			m.setCORSHeaders(w, r, true)
			w.WriteHeader(http.StatusOK)
			return
		}
		m.setCORSHeaders(w, r, false)

		// Add correlation ID if not present
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID))
		w.Header().Set("X-Correlation-Id", correlationID)

		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)

		duration := time.Since(start)
		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(sw.status)).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(sw.status)).Observe(duration.Seconds())
		m.logRequest(r, sw.status, duration, correlationID)
	}
}

// setCORSHeaders applies the CORS policy for the request origin.
func (m *Mux) setCORSHeaders(w http.ResponseWriter, r *http.Request, preflight bool) {
	if len(m.corsAllowedOrigins) == 0 {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	for _, allowedOrigin := range m.corsAllowedOrigins {
		if allowedOrigin == "*" || allowedOrigin == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	if preflight {
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
		w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
	}
}

// statusWriter captures the response status for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// withAuth validates the caller JWT and stores the subject in the request
// context. When admin is set, the grants:admin scope is required as well.
func (m *Mux) withAuth(h http.HandlerFunc, admin bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		correlationID, _ := r.Context().Value(ContextKeyCorrelationID).(string)

		claims, subject, defErr := m.validateJWT(r)
		if defErr != nil {
			defErr.CorrelationID = correlationID
			m.writeErrorDef(w, defErr)
			return
		}

		if admin && !jwks.HasScope(claims, jwks.AdminScope) {
			err := errordefs.New(errordefs.GRANT_AUTHZ, "admin scope required", correlationID)
			m.writeErrorDef(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), ContextKeySubject, subject)
		ctx = context.WithValue(ctx, ContextKeyClaims, claims)
		h(w, r.WithContext(ctx))
	}
}

// validateJWT validates a JWT and extracts the subject using JWKS
func (m *Mux) validateJWT(r *http.Request) (jwt.MapClaims, string, *errordefs.Error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, "", errordefs.New(errordefs.GRANT_AUTHN, "missing Authorization header", "")
	}

	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, "", errordefs.New(errordefs.GRANT_AUTHN, "invalid Authorization header format", "")
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")

	claims, err := m.jwksC.ValidateJWT(r.Context(), tokenString, m.jwtIssuer, m.jwtAudience)
	if err != nil {
		// Map specific JWT validation errors to appropriate error codes
		errStr := err.Error()
		switch {
		case strings.Contains(errStr, "expired"):
			return nil, "", errordefs.New(errordefs.GRANT_JWT_EXPIRED, "JWT token expired", "")
		case strings.Contains(errStr, "invalid issuer"):
			return nil, "", errordefs.New(errordefs.GRANT_JWT_INVALID, "invalid JWT issuer", "")
		case strings.Contains(errStr, "invalid audience"):
			return nil, "", errordefs.New(errordefs.GRANT_JWT_INVALID, "invalid JWT audience", "")
		case strings.Contains(errStr, "kid"):
			return nil, "", errordefs.New(errordefs.GRANT_JWT_MALFORMED, "missing or invalid kid in JWT header", "")
		case strings.Contains(errStr, "key"):
			return nil, "", errordefs.New(errordefs.GRANT_JWT_INVALID, "failed to get key for JWT validation", "")
		case strings.Contains(errStr, "signature"), strings.Contains(errStr, "verify"):
			return nil, "", errordefs.New(errordefs.GRANT_JWT_INVALID, "invalid JWT signature", "")
		default:
			return nil, "", errordefs.New(errordefs.GRANT_JWT_INVALID, fmt.Sprintf("failed to validate JWT: %v", err), "")
		}
	}

	subject := jwks.Subject(claims)
	if subject == "" {
		return nil, "", errordefs.New(errordefs.GRANT_JWT_INVALID, "missing or invalid sub claim", "")
	}

	return claims, subject, nil
}

// readBody reads and schema-validates a request body, then decodes it into
// dst. Returns a validation error on malformed or non-conforming input.
func (m *Mux) readBody(r *http.Request, schemaName string, dst interface{}) *errordefs.Error {
	correlationID, _ := r.Context().Value(ContextKeyCorrelationID).(string)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return errordefs.New(errordefs.GRANT_VALIDATION, "failed to read request body", correlationID)
	}

	if err := m.validator.Validate(schemaName, body); err != nil {
		return errordefs.NewWithDetails(errordefs.GRANT_VALIDATION, "request validation failed", correlationID, err.Error())
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return errordefs.New(errordefs.GRANT_VALIDATION, "invalid JSON", correlationID)
	}
	return nil
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"data": data,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeError writes an error response following the grant error taxonomy
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"error": map[string]interface{}{
			"code":          code,
			"message":       message,
			"correlationId": correlationID,
		},
	}

	if details != nil {
		response["error"].(map[string]interface{})["details"] = details
	}

	_ = json.NewEncoder(w).Encode(response)
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	m.writeError(w, err.HTTPStatus, string(err.Code), err.Message, err.CorrelationID, err.Details)
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
	}

	if correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}

	if subject, ok := r.Context().Value(ContextKeySubject).(string); ok && subject != "" {
		attrs = append(attrs, slog.String("subject", subject))
	}

	if status >= 500 {
		slog.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	} else {
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz handles readiness health check requests
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := m.store.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleIssue handles POST /v1/grants/issue
func (m *Mux) handleIssue(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("grant-service").Start(r.Context(), "handleIssue")
	defer span.End()
	defer r.Body.Close()

	correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)

	var req model.IssueGrantRequest
	if defErr := m.readBody(r, schema.IssueGrant, &req); defErr != nil {
		span.SetStatus(codes.Error, "invalid request")
		m.writeErrorDef(w, defErr)
		return
	}

	span.SetAttributes(
		attribute.String("kind", string(req.Kind)),
		attribute.String("resourceId", req.ResourceID),
		attribute.String("purchaseId", req.PurchaseID),
	)

	// A caller can only issue grants to itself; admins may issue on behalf
	// of any owner.
	subject, _ := ctx.Value(ContextKeySubject).(string)
	claims, _ := ctx.Value(ContextKeyClaims).(jwt.MapClaims)
	if req.OwnerID != subject && !jwks.HasScope(claims, jwks.AdminScope) {
		err := errordefs.New(errordefs.GRANT_OWNER_MISMATCH, "ownerId must match JWT subject", correlationID)
		m.writeErrorDef(w, err)
		return
	}

	data, defErr := m.svc.Issue(ctx, req)
	if defErr != nil {
		defErr.CorrelationID = correlationID
		span.SetStatus(codes.Error, defErr.Message)
		m.writeErrorDef(w, defErr)
		return
	}

	m.writeSuccess(w, http.StatusCreated, data)
}

// handleList handles GET /v1/grants
func (m *Mux) handleList(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("grant-service").Start(r.Context(), "handleList")
	defer span.End()

	correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)
	subject, _ := ctx.Value(ContextKeySubject).(string)

	limit := DefaultListLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if v, err := strconv.Atoi(limitStr); err == nil {
			if v > 0 && v <= MaxListLimit {
				limit = v
			} else if v > MaxListLimit {
				limit = MaxListLimit
			}
		}
	}

	query := model.ListGrantsQuery{
		OwnerID: subject,
		Status:  model.GrantStatus(r.URL.Query().Get("status")),
		Limit:   limit,
		Cursor:  r.URL.Query().Get("cursor"),
	}

	span.SetAttributes(attribute.String("ownerId", subject))

	result, defErr := m.svc.List(ctx, query)
	if defErr != nil {
		defErr.CorrelationID = correlationID
		span.SetStatus(codes.Error, defErr.Message)
		m.writeErrorDef(w, defErr)
		return
	}

	m.writeSuccess(w, http.StatusOK, result)
}

// handleRedeem handles POST /v1/grants/redeem
func (m *Mux) handleRedeem(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("grant-service").Start(r.Context(), "handleRedeem")
	defer span.End()
	defer r.Body.Close()

	correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)

	var req model.RedeemRequest
	if defErr := m.readBody(r, schema.RedeemGrant, &req); defErr != nil {
		span.SetStatus(codes.Error, "invalid request")
		m.writeErrorDef(w, defErr)
		return
	}

	attempt := grant.Attempt{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}

	data, defErr := m.svc.Redeem(ctx, req.Token, attempt)
	if defErr != nil {
		defErr.CorrelationID = correlationID
		span.SetStatus(codes.Error, defErr.Message)
		m.writeErrorDef(w, defErr)
		return
	}

	m.writeSuccess(w, http.StatusOK, data)
}

// handleValidate handles GET /v1/grants/validate
func (m *Mux) handleValidate(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("grant-service").Start(r.Context(), "handleValidate")
	defer span.End()

	correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)

	token := r.URL.Query().Get("token")
	if token == "" {
		span.SetStatus(codes.Error, "token is required")
		err := errordefs.New(errordefs.GRANT_VALIDATION, "token is required", correlationID)
		m.writeErrorDef(w, err)
		return
	}

	data, defErr := m.svc.Validate(ctx, token)
	if defErr != nil {
		defErr.CorrelationID = correlationID
		span.SetStatus(codes.Error, defErr.Message)
		m.writeErrorDef(w, defErr)
		return
	}

	m.writeSuccess(w, http.StatusOK, data)
}

// handleActivate handles POST /v1/licenses/activate
func (m *Mux) handleActivate(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("grant-service").Start(r.Context(), "handleActivate")
	defer span.End()
	defer r.Body.Close()

	correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)

	var req model.ActivateRequest
	if defErr := m.readBody(r, schema.ActivateDevice, &req); defErr != nil {
		span.SetStatus(codes.Error, "invalid request")
		m.writeErrorDef(w, defErr)
		return
	}

	span.SetAttributes(attribute.String("deviceId", req.DeviceID))

	data, defErr := m.svc.ActivateDevice(ctx, req)
	if defErr != nil {
		defErr.CorrelationID = correlationID
		span.SetStatus(codes.Error, defErr.Message)
		m.writeErrorDef(w, defErr)
		return
	}

	m.writeSuccess(w, http.StatusOK, data)
}

// handleDeactivate handles POST /v1/licenses/deactivate
func (m *Mux) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("grant-service").Start(r.Context(), "handleDeactivate")
	defer span.End()
	defer r.Body.Close()

	correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)

	var req model.DeactivateRequest
	if defErr := m.readBody(r, schema.DeactivateDevice, &req); defErr != nil {
		span.SetStatus(codes.Error, "invalid request")
		m.writeErrorDef(w, defErr)
		return
	}

	span.SetAttributes(attribute.String("deviceId", req.DeviceID))

	data, defErr := m.svc.DeactivateDevice(ctx, req)
	if defErr != nil {
		defErr.CorrelationID = correlationID
		span.SetStatus(codes.Error, defErr.Message)
		m.writeErrorDef(w, defErr)
		return
	}

	m.writeSuccess(w, http.StatusOK, data)
}

// handleValidateLicense handles GET /v1/licenses/validate
func (m *Mux) handleValidateLicense(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("grant-service").Start(r.Context(), "handleValidateLicense")
	defer span.End()

	correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)

	licenseKey := r.URL.Query().Get("licenseKey")
	if licenseKey == "" {
		span.SetStatus(codes.Error, "licenseKey is required")
		err := errordefs.New(errordefs.GRANT_VALIDATION, "licenseKey is required", correlationID)
		m.writeErrorDef(w, err)
		return
	}
	deviceID := r.URL.Query().Get("deviceId")

	data, defErr := m.svc.ValidateLicense(ctx, licenseKey, deviceID)
	if defErr != nil {
		defErr.CorrelationID = correlationID
		span.SetStatus(codes.Error, defErr.Message)
		m.writeErrorDef(w, defErr)
		return
	}

	m.writeSuccess(w, http.StatusOK, data)
}

// handleRevoke handles POST /v1/admin/grants/revoke
func (m *Mux) handleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("grant-service").Start(r.Context(), "handleRevoke")
	defer span.End()
	defer r.Body.Close()

	correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)

	var req model.AdminGrantRequest
	if defErr := m.readBody(r, schema.AdminGrant, &req); defErr != nil {
		span.SetStatus(codes.Error, "invalid request")
		m.writeErrorDef(w, defErr)
		return
	}

	if defErr := m.svc.Revoke(ctx, req.Token); defErr != nil {
		defErr.CorrelationID = correlationID
		span.SetStatus(codes.Error, defErr.Message)
		m.writeErrorDef(w, defErr)
		return
	}

	m.writeSuccess(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// handleRegenerate handles POST /v1/admin/grants/regenerate
func (m *Mux) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("grant-service").Start(r.Context(), "handleRegenerate")
	defer span.End()
	defer r.Body.Close()

	correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)

	var req model.AdminGrantRequest
	if defErr := m.readBody(r, schema.AdminGrant, &req); defErr != nil {
		span.SetStatus(codes.Error, "invalid request")
		m.writeErrorDef(w, defErr)
		return
	}

	data, defErr := m.svc.Regenerate(ctx, req.Token)
	if defErr != nil {
		defErr.CorrelationID = correlationID
		span.SetStatus(codes.Error, defErr.Message)
		m.writeErrorDef(w, defErr)
		return
	}

	m.writeSuccess(w, http.StatusOK, data)
}

// handleSweep handles POST /v1/admin/sweep
func (m *Mux) handleSweep(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("grant-service").Start(r.Context(), "handleSweep")
	defer span.End()

	correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)

	data, defErr := m.svc.Sweep(ctx, m.retention)
	if defErr != nil {
		defErr.CorrelationID = correlationID
		span.SetStatus(codes.Error, defErr.Message)
		m.writeErrorDef(w, defErr)
		return
	}

	span.SetAttributes(attribute.Int64("deleted", data.DeletedCount))
	m.writeSuccess(w, http.StatusOK, data)
}

// handleServeFile handles GET /v1/files/{capability}. The capability in the
// path is the only authorization checked; no session is required.
func (m *Mux) handleServeFile(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("grant-service").Start(r.Context(), "handleServeFile")
	defer span.End()

	correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)

	capability := strings.TrimPrefix(r.URL.Path, "/v1/files/")
	if capability == "" || strings.Contains(capability, "/") {
		span.SetStatus(codes.Error, "capability is required")
		err := errordefs.New(errordefs.GRANT_VALIDATION, "file capability is required", correlationID)
		m.writeErrorDef(w, err)
		return
	}

	path, defErr := m.gate.Resolve(capability, correlationID)
	if defErr != nil {
		span.SetStatus(codes.Error, defErr.Message)
		m.writeErrorDef(w, defErr)
		return
	}

	w.Header().Set("Content-Disposition", "attachment")
	http.ServeFile(w, r.WithContext(ctx), path)
}

// clientIP extracts the originating client address, honoring the
// X-Forwarded-For header set by the edge proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	return host
}
