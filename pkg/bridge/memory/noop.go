package memory

import (
	"context"

	"github.com/voxline/frontdesk/pkg/bridge/session"
)

// Noop is the memory store for deployments without a database: lookups miss
// and writes vanish.
type Noop struct{}

func (Noop) Lookup(context.Context, string) (session.RememberedCaller, bool, error) {
	return session.RememberedCaller{}, false, nil
}

func (Noop) SaveName(context.Context, string, string) error { return nil }

func (Noop) UpsertCall(context.Context, session.CallRecord) error { return nil }
