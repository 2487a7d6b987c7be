// Package snapshot stores checkpoint state objects (prior-state snapshots used
// for rollback) on pluggable object stores: local folder, S3-compatible, or
// in-memory for tests. Objects are zstd-compressed and optionally sealed with
// envelope encryption.
package snapshot

import (
	"errors"
	"fmt"
	"strings"
)

// Store is the backend contract for checkpoint object storage.
type Store interface {
	List(prefix string) ([]string, error)
	Get(key string) ([]byte, error)
	PutAtomic(key string, data []byte) error
}

// Object key format:
//   checkpoints/<resource_type>/<resource_id>/<checkpoint_id>.dsck
// Writers use tmp/<unique>.partial then rename into place.

// MaxSnapshotSize caps the plaintext size of one checkpoint snapshot.
const MaxSnapshotSize = 10 * 1024 * 1024 // 10MB

var (
	ErrNotFound         = errors.New("object not found")
	ErrSnapshotTooLarge = errors.New("snapshot size exceeds maximum allowed")
)

// CheckpointKey returns the store key for a checkpoint snapshot. Identifiers
// must already be validated; use SecureCheckpointKey for untrusted input.
func CheckpointKey(resourceType, resourceID, checkpointID string) string {
	return fmt.Sprintf("checkpoints/%s/%s/%s.dsck", resourceType, resourceID, checkpointID)
}

// SecureCheckpointKey validates all components before constructing the key.
func SecureCheckpointKey(resourceType, resourceID, checkpointID string) (string, error) {
	if err := ValidateIdentifier(resourceType, "resource-type"); err != nil {
		return "", fmt.Errorf("invalid resource type: %w", err)
	}
	if err := ValidateIdentifier(resourceID, "resource-id"); err != nil {
		return "", fmt.Errorf("invalid resource id: %w", err)
	}
	if err := ValidateIdentifier(checkpointID, "checkpoint"); err != nil {
		return "", fmt.Errorf("invalid checkpoint id: %w", err)
	}
	return CheckpointKey(resourceType, resourceID, checkpointID), nil
}

// IsObjectKey returns true if key is under checkpoints/ (not tmp/).
func IsObjectKey(key string) bool {
	return strings.HasPrefix(key, "checkpoints/") && !strings.Contains(key, "tmp/")
}

// CheckSnapshotSize validates a snapshot payload size against limits.
func CheckSnapshotSize(size int) error {
	if size > MaxSnapshotSize {
		return ErrSnapshotTooLarge
	}
	return nil
}
