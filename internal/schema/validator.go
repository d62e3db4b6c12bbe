// internal/schema/validator.go
// Package schema provides JSON schema validation for API request bodies.
// Requests are validated against their schemas before any handler logic runs.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Request body schema names, one per mutating endpoint.
const (
	IssueGrant       = "issueGrant"
	RedeemGrant      = "redeemGrant"
	ActivateDevice   = "activateDevice"
	DeactivateDevice = "deactivateDevice"
	AdminGrant       = "adminGrant"
)

// tokenPattern matches a grant token: 32 random bytes hex-encoded.
const tokenPattern = "^[0-9a-f]{64}$"

// rawSchemas holds the JSON schema source per request name. Schemas are
// compiled once at startup.
var rawSchemas = map[string]string{
	// Grant issuance carries the authorization triple plus optional overrides
	IssueGrant: `{
		"type": "object",
		"required": ["ownerId", "resourceId", "purchaseId", "kind"],
		"properties": {
			"ownerId": {"type": "string", "minLength": 1, "maxLength": 128},
			"resourceId": {"type": "string", "minLength": 1, "maxLength": 128},
			"purchaseId": {"type": "string", "minLength": 1, "maxLength": 128},
			"kind": {"type": "string", "enum": ["download", "license"]},
			"licenseType": {"type": "string", "enum": ["single", "multiple", "unlimited"]},
			"maxUses": {"type": "integer", "minimum": 1, "maximum": 1000000},
			"ttlHours": {"type": "integer", "minimum": 1, "maximum": 168}
		},
		"additionalProperties": false
	}`,

	RedeemGrant: `{
		"type": "object",
		"required": ["token"],
		"properties": {
			"token": {"type": "string", "pattern": "` + tokenPattern + `"}
		},
		"additionalProperties": false
	}`,

	ActivateDevice: `{
		"type": "object",
		"required": ["licenseKey", "deviceId"],
		"properties": {
			"licenseKey": {"type": "string", "pattern": "` + tokenPattern + `"},
			"deviceId": {"type": "string", "minLength": 1, "maxLength": 128},
			"deviceName": {"type": "string", "maxLength": 256}
		},
		"additionalProperties": false
	}`,

	DeactivateDevice: `{
		"type": "object",
		"required": ["licenseKey", "deviceId"],
		"properties": {
			"licenseKey": {"type": "string", "pattern": "` + tokenPattern + `"},
			"deviceId": {"type": "string", "minLength": 1, "maxLength": 128}
		},
		"additionalProperties": false
	}`,

	// Revoke and regenerate address a grant by its token
	AdminGrant: `{
		"type": "object",
		"required": ["token"],
		"properties": {
			"token": {"type": "string", "pattern": "` + tokenPattern + `"}
		},
		"additionalProperties": false
	}`,
}

// Validator validates request bodies against their JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema // Compiled schemas by request name
}

// NewValidator compiles all request schemas.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema)}
	for name, raw := range rawSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", name, err)
		}
		v.schemas[name] = schema
	}
	return v, nil
}

// Validate checks a raw request body against the named schema. Returns nil
// when the body conforms, an error listing every violation otherwise.
func (v *Validator) Validate(name string, body []byte) error {
	schema, exists := v.schemas[name]
	if !exists {
		return fmt.Errorf("schema not found: %s", name)
	}

	if !json.Valid(body) {
		return fmt.Errorf("request body is not valid JSON")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}
