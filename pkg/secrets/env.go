package secrets

import (
	"context"
	"os"
	"strings"
)

// EnvProvider resolves secret values from environment variables. A secret
// named "github_token" for any user maps to <prefix>GITHUB_TOKEN. Connection
// references come from a static map configured at construction, so the
// worker config stays the single source of connection shape.
type EnvProvider struct {
	prefix      string
	connections map[string][]SecretRef
}

func NewEnvProvider(prefix string, connections map[string][]SecretRef) *EnvProvider {
	if connections == nil {
		connections = make(map[string][]SecretRef)
	}

	return &EnvProvider{prefix: prefix, connections: connections}
}

func (p *EnvProvider) GetSecretsForConnection(_ context.Context, _, connectionID string) ([]SecretRef, error) {
	refs, ok := p.connections[connectionID]
	if !ok {
		return nil, ErrConnectionNotFound
	}

	return refs, nil
}

func (p *EnvProvider) GetSecretValue(_ context.Context, _, name string) (string, error) {
	key := p.prefix + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(name))

	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return "", ErrSecretNotFound
	}

	return value, nil
}

func (p *EnvProvider) ValidateConnectionSecrets(ctx context.Context, userID, connectionID string, required []SecretType) (ValidationResult, error) {
	refs, err := p.GetSecretsForConnection(ctx, userID, connectionID)
	if err != nil {
		return ValidationResult{}, err
	}

	available := make(map[SecretType]SecretRef, len(refs))
	for _, ref := range refs {
		available[ref.Type] = ref
	}

	result := ValidationResult{IsValid: true}

	for _, secretType := range required {
		ref, ok := available[secretType]
		if !ok {
			result.IsValid = false
			result.Missing = append(result.Missing, secretType)

			continue
		}

		if _, err := p.GetSecretValue(ctx, userID, ref.Name); err != nil {
			result.IsValid = false
			result.Issues = append(result.Issues, "secret "+ref.Name+" has no value")
		}
	}

	return result, nil
}
