package middleware

import (
	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer strips HTML from user-supplied text before it is stored or fanned
// out to other clients. Prompt content and cursor file paths pass through
// here; the strict policy removes every tag.
type Sanitizer struct {
	policy *bluemonday.Policy
}

// NewSanitizer creates a strict sanitizer.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{policy: bluemonday.StrictPolicy()}
}

// Clean returns s with all HTML removed.
func (s *Sanitizer) Clean(text string) string {
	return s.policy.Sanitize(text)
}

// CleanTruncate sanitizes and caps the result at max bytes.
func (s *Sanitizer) CleanTruncate(text string, max int) string {
	out := s.policy.Sanitize(text)
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}
