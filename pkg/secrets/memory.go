package secrets

import (
	"context"
	"sync"
)

// MemoryProvider is an in-memory Provider for tests and local development.
// Secrets are keyed by (userID, name); connections own an ordered list of
// secret references.
type MemoryProvider struct {
	mu          sync.RWMutex
	values      map[string]string
	connections map[string][]SecretRef
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		values:      make(map[string]string),
		connections: make(map[string][]SecretRef),
	}
}

func (p *MemoryProvider) SetSecret(userID, name, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.values[userID+"/"+name] = value
}

func (p *MemoryProvider) SetConnectionSecrets(userID, connectionID string, refs ...SecretRef) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.connections[userID+"/"+connectionID] = refs
}

func (p *MemoryProvider) GetSecretsForConnection(_ context.Context, userID, connectionID string) ([]SecretRef, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	refs, ok := p.connections[userID+"/"+connectionID]
	if !ok {
		return nil, ErrConnectionNotFound
	}

	return refs, nil
}

func (p *MemoryProvider) GetSecretValue(_ context.Context, userID, name string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	value, ok := p.values[userID+"/"+name]
	if !ok {
		return "", ErrSecretNotFound
	}

	return value, nil
}

func (p *MemoryProvider) ValidateConnectionSecrets(ctx context.Context, userID, connectionID string, required []SecretType) (ValidationResult, error) {
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

// StaticDirectory is a fixed, read-only connection directory.
type StaticDirectory struct {
	connections map[string]*Connection
}

func NewStaticDirectory(connections ...*Connection) *StaticDirectory {
	byID := make(map[string]*Connection, len(connections))
	for _, conn := range connections {
		byID[conn.ID] = conn
	}

	return &StaticDirectory{connections: byID}
}

func (d *StaticDirectory) GetConnection(_ context.Context, id string) (*Connection, error) {
	conn, ok := d.connections[id]
	if !ok {
		return nil, ErrConnectionNotFound
	}

	return conn, nil
}
