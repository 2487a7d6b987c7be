package snapshot

import (
	"errors"
	"regexp"
	"strings"
)

// Identifier validation errors.
var (
	ErrInvalidIdentifierType   = errors.New("invalid identifier type")
	ErrInvalidIdentifierLength = errors.New("invalid identifier length")
	ErrInvalidIdentifierFormat = errors.New("invalid identifier format")
	ErrPathTraversalAttempt    = errors.New("path traversal attempt detected")
)

var (
	// Resource types: lowercase names like "orders", "products" (1-64 chars).
	resourceTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

	// Resource IDs: alphanumeric with hyphens, underscores, dots (1-128 chars).
	resourceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)

	// Checkpoint IDs: UUID format.
	checkpointIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// ValidateIdentifier checks an identifier against the pattern for its kind.
// Path traversal sequences are rejected before any other check.
func ValidateIdentifier(id, idType string) error {
	if strings.Contains(id, "..") || strings.Contains(id, "\x00") {
		return ErrPathTraversalAttempt
	}

	var pattern *regexp.Regexp
	switch strings.ToLower(idType) {
	case "resource-type":
		pattern = resourceTypePattern
	case "resource-id":
		pattern = resourceIDPattern
	case "checkpoint":
		pattern = checkpointIDPattern
	default:
		return ErrInvalidIdentifierType
	}

	if id == "" || len(id) > 128 {
		return ErrInvalidIdentifierLength
	}
	if !pattern.MatchString(id) {
		return ErrInvalidIdentifierFormat
	}
	return nil
}
