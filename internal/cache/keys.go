package cache

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

const (
	// KeyDelimiter separates the prefix and parts of a cache key
	KeyDelimiter = ":"

	// MaxKeyLength is the maximum length of a built cache key
	MaxKeyLength = 250
)

var (
	// ErrKeyTooLong is returned when a built key exceeds MaxKeyLength
	ErrKeyTooLong = errors.New("cache: key too long")

	// ErrInvalidKeyCharacter is returned when a key part contains
	// whitespace, control characters or the delimiter
	ErrInvalidKeyCharacter = errors.New("cache: invalid key character")

	normalizeStrip = regexp.MustCompile(`[^a-z0-9_:.\-]`)
	whitespaceRun  = regexp.MustCompile(`\s+`)
)

// BuildKey joins a prefix and parts into a cache key.
// Key construction violations are programmer errors and are always
// surfaced, never swallowed.
func BuildKey(prefix string, parts ...string) (string, error) {
	if err := validateKeyPart(prefix); err != nil {
		return "", err
	}
	for _, p := range parts {
		if err := validateKeyPart(p); err != nil {
			return "", err
		}
	}

	key := prefix
	if len(parts) > 0 {
		key = prefix + KeyDelimiter + strings.Join(parts, KeyDelimiter)
	}

	if len(key) > MaxKeyLength {
		return "", fmt.Errorf("%w: %d chars exceeds max %d", ErrKeyTooLong, len(key), MaxKeyLength)
	}

	return key, nil
}

// ParseKey is the inverse of BuildKey: the first delimiter separates the
// prefix, the rest separate parts.
func ParseKey(key string) (prefix string, parts []string, err error) {
	if key == "" {
		return "", nil, fmt.Errorf("%w: empty key", ErrInvalidKeyCharacter)
	}

	idx := strings.Index(key, KeyDelimiter)
	if idx < 0 {
		return key, nil, nil
	}

	prefix = key[:idx]
	rest := key[idx+len(KeyDelimiter):]
	parts = strings.Split(rest, KeyDelimiter)
	return prefix, parts, nil
}

// NormalizeKey lowercases, collapses whitespace runs to "_" and strips
// characters outside [a-z0-9_:.-]. Unlike BuildKey it never fails;
// it is used for caller-supplied identifiers, not programmatic keys.
func NormalizeKey(key string) string {
	k := strings.ToLower(strings.TrimSpace(key))
	k = whitespaceRun.ReplaceAllString(k, "_")
	return normalizeStrip.ReplaceAllString(k, "")
}

// validateKeyPart rejects empty parts, whitespace/control characters and
// embedded delimiters (which would break ParseKey round-trips).
func validateKeyPart(part string) error {
	if part == "" {
		return fmt.Errorf("%w: empty key part", ErrInvalidKeyCharacter)
	}
	if strings.Contains(part, KeyDelimiter) {
		return fmt.Errorf("%w: part %q contains delimiter", ErrInvalidKeyCharacter, part)
	}
	for _, r := range part {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: part %q contains whitespace or control character", ErrInvalidKeyCharacter, part)
		}
	}
	return nil
}
