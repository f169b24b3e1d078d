// Package cmd wires concrete providers from connection URLs. Shared by the
// service binaries so flag parsing stays the only thing they do themselves.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nuvoh/runway/pkg/persistence"
	"github.com/nuvoh/runway/pkg/persistence/file"
	"github.com/nuvoh/runway/pkg/persistence/memory"
	"github.com/nuvoh/runway/pkg/persistence/postgres"
)

// NewPersistence selects the execution store from the database URL scheme:
// postgres://, file:// or the literal "memory".
//
//nolint:ireturn // Callers program against the persistence interface
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch {
	case databaseURL == "" || databaseURL == "memory":
		return memory.NewPersistence(), nil
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return postgres.NewPersistence(ctx, logger, databaseURL)
	case strings.HasPrefix(databaseURL, "file://"):
		return file.NewPersistence(databaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported database url %q", databaseURL)
	}
}
