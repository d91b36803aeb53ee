package memory

import (
	"context"
	"testing"

	"github.com/voxline/frontdesk/pkg/bridge/session"
)

func TestNoop_LookupAlwaysMisses(t *testing.T) {
	var m Noop
	remembered, found, err := m.Lookup(context.Background(), "+15550100")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if found || remembered.Name != "" {
		t.Fatalf("noop lookup hit: %+v found=%v", remembered, found)
	}
}

func TestNoop_WritesAreAccepted(t *testing.T) {
	var m Noop
	if err := m.SaveName(context.Background(), "+15550100", "Dana Fox"); err != nil {
		t.Fatalf("SaveName: %v", err)
	}
	if err := m.UpsertCall(context.Background(), session.CallRecord{CallSid: "CA1"}); err != nil {
		t.Fatalf("UpsertCall: %v", err)
	}
}

func TestOpen_RequiresDatabaseURL(t *testing.T) {
	if _, err := Open(context.Background(), "  ", nil); err == nil {
		t.Fatalf("expected error for empty database url")
	}
}

func TestNormalizeAddress(t *testing.T) {
	if got := normalizeAddress("  +15550100 "); got != "+15550100" {
		t.Fatalf("normalizeAddress=%q", got)
	}
	if got := normalizeAddress("   "); got != "" {
		t.Fatalf("normalizeAddress(blank)=%q", got)
	}
}
