package cmd

import (
	"fmt"
	"strings"

	"github.com/nuvoh/runway/pkg/queue"
	"github.com/nuvoh/runway/pkg/queue/memory"
	"github.com/nuvoh/runway/pkg/queue/redis"
	"github.com/nuvoh/runway/pkg/queue/sqlite"
)

// NewJobStore selects the job store from the queue URL scheme: redis://,
// sqlite:// or the literal "memory".
//
//nolint:ireturn // Callers program against the JobStore interface
func NewJobStore(queueURL string) (queue.JobStore, error) {
	switch {
	case queueURL == "" || queueURL == "memory":
		return memory.NewStore(), nil
	case strings.HasPrefix(queueURL, "redis://"), strings.HasPrefix(queueURL, "rediss://"):
		return redis.NewStore(queueURL)
	case strings.HasPrefix(queueURL, "sqlite://"):
		return sqlite.NewStore(strings.TrimPrefix(queueURL, "sqlite://")), nil
	default:
		return nil, fmt.Errorf("unsupported queue url %q", queueURL)
	}
}
