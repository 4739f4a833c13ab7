package event

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// Match reports whether topic matches the glob pattern.
//
// Matching is done over the whole topic string. Topics never contain '/',
// so '*' (and '**') match any run of characters including dots, '?' matches
// exactly one character, and "[a-z]" classes and "{a,b}" alternation are
// supported. A pattern without any special character matches only itself.
func Match(pattern, topic string) bool {
	ok, err := doublestar.Match(pattern, topic)
	return err == nil && ok
}

// ValidatePattern returns an error wrapping ErrInvalidPattern when pattern
// is empty or is not a well-formed glob.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	if !doublestar.ValidatePattern(pattern) {
		return fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
	return nil
}
