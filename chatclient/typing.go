package chatclient

import "time"

// TypingTracker holds ephemeral (conversation, user) typing state. A typing
// signal refreshes the entry; entries expire on their own if no refresh is
// seen within the timeout, because a stopped-typing signal is not guaranteed
// after an abrupt disconnect.
type TypingTracker struct {
	timeout time.Duration
	entries map[typingKey]time.Time
}

type typingKey struct {
	conversationID string
	user           string
}

func NewTypingTracker(timeout time.Duration) *TypingTracker {
	return &TypingTracker{timeout: timeout, entries: make(map[typingKey]time.Time)}
}

func (t *TypingTracker) Start(conversationID, user string, at time.Time) {
	t.entries[typingKey{conversationID, user}] = at
}

func (t *TypingTracker) Stop(conversationID, user string) {
	delete(t.entries, typingKey{conversationID, user})
}

// Typing returns the users currently typing in the conversation, pruning
// anything stale as of now.
func (t *TypingTracker) Typing(conversationID string, now time.Time) []string {
	var users []string
	for k, at := range t.entries {
		if now.Sub(at) > t.timeout {
			delete(t.entries, k)
			continue
		}
		if k.conversationID == conversationID {
			users = append(users, k.user)
		}
	}
	return users
}

// Expire prunes all stale entries. Called from the session loop's ticker.
func (t *TypingTracker) Expire(now time.Time) {
	for k, at := range t.entries {
		if now.Sub(at) > t.timeout {
			delete(t.entries, k)
		}
	}
}
