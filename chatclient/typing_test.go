package chatclient

import (
	"testing"
	"time"
)

func TestTypingExpiresWithoutStopSignal(t *testing.T) {
	tr := NewTypingTracker(2 * time.Second)
	now := time.Now()

	tr.Start("c1", "bob", now)
	if users := tr.Typing("c1", now.Add(time.Second)); len(users) != 1 || users[0] != "bob" {
		t.Fatalf("expected bob typing, got %v", users)
	}

	// no stopped-typing signal ever arrives (abrupt disconnect); the entry
	// expires on its own
	if users := tr.Typing("c1", now.Add(3*time.Second)); len(users) != 0 {
		t.Fatalf("stale entry not expired: %v", users)
	}
}

func TestTypingRefreshExtends(t *testing.T) {
	tr := NewTypingTracker(2 * time.Second)
	now := time.Now()

	tr.Start("c1", "bob", now)
	tr.Start("c1", "bob", now.Add(1500*time.Millisecond))
	if users := tr.Typing("c1", now.Add(3*time.Second)); len(users) != 1 {
		t.Fatalf("refreshed entry expired early: %v", users)
	}
}

func TestTypingStopClears(t *testing.T) {
	tr := NewTypingTracker(2 * time.Second)
	now := time.Now()

	tr.Start("c1", "bob", now)
	tr.Start("c2", "carol", now)
	tr.Stop("c1", "bob")

	if users := tr.Typing("c1", now); len(users) != 0 {
		t.Fatalf("stop did not clear: %v", users)
	}
	if users := tr.Typing("c2", now); len(users) != 1 || users[0] != "carol" {
		t.Fatalf("stop leaked across conversations: %v", users)
	}
}
