// Package secrets defines the credential collaborators consumed by step
// execution. The vault's encryption and key rotation live elsewhere; this
// engine only resolves references and injects values at dispatch time.
// Secret values must never be logged or persisted into step or job payloads.
package secrets

import (
	"context"
	"errors"
	"fmt"
)

// AuthType describes how an API connection authenticates.
type AuthType string

const (
	AuthTypeAPIKey      AuthType = "API_KEY"
	AuthTypeBearerToken AuthType = "BEARER_TOKEN"
	AuthTypeOAuth2      AuthType = "OAUTH2"
	AuthTypeBasicAuth   AuthType = "BASIC_AUTH"
)

// SecretType labels the role a secret plays for a connection.
type SecretType string

const (
	SecretTypeAPIKey      SecretType = "API_KEY"
	SecretTypeBearerToken SecretType = "BEARER_TOKEN"
	SecretTypeAccessToken SecretType = "ACCESS_TOKEN"
	SecretTypeUsername    SecretType = "USERNAME"
	SecretTypePassword    SecretType = "PASSWORD"
)

// RequiredSecretTypes maps an auth type to the secret types a connection
// must provide before a step may dispatch.
func RequiredSecretTypes(authType AuthType) []SecretType {
	switch authType {
	case AuthTypeAPIKey:
		return []SecretType{SecretTypeAPIKey}
	case AuthTypeBearerToken:
		return []SecretType{SecretTypeBearerToken}
	case AuthTypeOAuth2:
		return []SecretType{SecretTypeAccessToken}
	case AuthTypeBasicAuth:
		return []SecretType{SecretTypeUsername, SecretTypePassword}
	default:
		return nil
	}
}

var (
	ErrSecretNotFound     = errors.New("secret not found")
	ErrConnectionNotFound = errors.New("api connection not found")
)

// SecretRef names a secret held by the vault without carrying its value.
type SecretRef struct {
	Type SecretType `json:"type"`
	Name string     `json:"name"`
}

// ValidationResult reports whether a connection's secrets are complete.
type ValidationResult struct {
	IsValid bool         `json:"is_valid"`
	Missing []SecretType `json:"missing,omitempty"`
	Issues  []string     `json:"issues,omitempty"`
}

// Err converts an invalid result into a descriptive error naming the
// missing secret types.
func (r ValidationResult) Err() error {
	if r.IsValid {
		return nil
	}

	if len(r.Missing) > 0 {
		names := make([]string, len(r.Missing))
		for i, secretType := range r.Missing {
			names[i] = string(secretType)
		}

		return fmt.Errorf("connection secrets incomplete, missing: %v", names)
	}

	return fmt.Errorf("connection secrets invalid: %v", r.Issues)
}

// Provider is the external credential store supplying per-step
// authentication material.
type Provider interface {
	GetSecretsForConnection(ctx context.Context, userID, connectionID string) ([]SecretRef, error)
	GetSecretValue(ctx context.Context, userID, name string) (string, error)
	ValidateConnectionSecrets(ctx context.Context, userID, connectionID string, required []SecretType) (ValidationResult, error)
}

// Connection is a read-only API connection record.
type Connection struct {
	ID       string   `json:"id"`
	BaseURL  string   `json:"base_url"`
	AuthType AuthType `json:"auth_type"`

	// HeaderName carries the custom header for API_KEY connections.
	// Defaults to X-API-Key when empty.
	HeaderName string `json:"header_name,omitempty"`
}

// ConnectionDirectory looks up API connections by id.
type ConnectionDirectory interface {
	GetConnection(ctx context.Context, id string) (*Connection, error)
}
