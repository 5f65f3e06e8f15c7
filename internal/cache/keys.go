package cache

// Key builders. One namespace per cached entity keeps invalidation patterns
// simple.

// SessionKey caches one session snapshot.
func SessionKey(sessionID string) string {
	return "agentmux:session:" + sessionID
}

// SessionListKey caches the full session listing.
func SessionListKey() string {
	return "agentmux:sessions:all"
}
