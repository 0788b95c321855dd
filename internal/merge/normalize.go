// Package merge folds extracted tables into per-entity wide tables keyed by a
// normalized code, reconciling them with previously persisted snapshots.
package merge

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrKeyMismatch reports a key that cannot be normalized to the code width.
	ErrKeyMismatch = errors.New("key cannot be normalized")
	// ErrCodeWidthMismatch reports a snapshot written with a wider code than configured.
	ErrCodeWidthMismatch = errors.New("snapshot code width mismatch")
)

// Normalizer left-pads numeric codes to a fixed width.
type Normalizer struct {
	Width int
}

// Normalize returns the canonical form of raw. It is idempotent: normalizing
// its own output yields the same value.
func (n Normalizer) Normalize(raw string) (string, error) {
	digits, ok := numericKey(raw)
	if !ok {
		return "", fmt.Errorf("%w: %q is not numeric", ErrKeyMismatch, raw)
	}
	if n.Width > 0 && len(digits) > n.Width {
		return "", fmt.Errorf("%w: %q is longer than %d digits", ErrKeyMismatch, raw, n.Width)
	}
	if pad := n.Width - len(digits); pad > 0 {
		digits = strings.Repeat("0", pad) + digits
	}
	return digits, nil
}

// Key returns the normalized key, or the trimmed raw text with flagged set when
// the key cannot be normalized.
func (n Normalizer) Key(raw string) (key string, flagged bool, err error) {
	norm, err := n.Normalize(raw)
	if err != nil {
		return strings.TrimSpace(raw), true, err
	}
	return norm, false, nil
}

// numericKey trims raw and strips a float artifact such as "101.0".
func numericKey(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, ".0")
	if s == "" {
		return "", false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return s, true
}
