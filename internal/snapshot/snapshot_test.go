package snapshot

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		idType  string
		errType error
	}{
		{"valid resource type", "orders", "resource-type", nil},
		{"valid resource type underscore", "payment_sessions", "resource-type", nil},
		{"resource type uppercase rejected", "Orders", "resource-type", ErrInvalidIdentifierFormat},
		{"valid resource id", "order-42.v2", "resource-id", nil},
		{"resource id with slash", "order/42", "resource-id", ErrInvalidIdentifierFormat},
		{"valid checkpoint uuid", "550e8400-e29b-41d4-a716-446655440000", "checkpoint", nil},
		{"checkpoint not uuid", "not-a-uuid", "checkpoint", ErrInvalidIdentifierFormat},
		{"empty id", "", "resource-id", ErrInvalidIdentifierLength},
		{"path traversal", "../../etc/passwd", "resource-id", ErrPathTraversalAttempt},
		{"null byte", "order\x00", "resource-id", ErrPathTraversalAttempt},
		{"unknown type", "x", "vault", ErrInvalidIdentifierType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.id, tt.idType)
			if tt.errType == nil {
				require.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.errType)
			}
		})
	}
}

func TestSecureCheckpointKey(t *testing.T) {
	key, err := SecureCheckpointKey("orders", "order-42", "550e8400-e29b-41d4-a716-446655440000")
	require.NoError(t, err)
	assert.Equal(t, "checkpoints/orders/order-42/550e8400-e29b-41d4-a716-446655440000.dsck", key)
	assert.True(t, IsObjectKey(key))

	_, err = SecureCheckpointKey("../orders", "order-42", "550e8400-e29b-41d4-a716-446655440000")
	assert.ErrorContains(t, err, "invalid resource type")
}

func TestFolderStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs := NewFolderStore(dir)

	key := CheckpointKey("orders", "order-1", "550e8400-e29b-41d4-a716-446655440000")
	require.NoError(t, fs.PutAtomic(key, []byte("snapshot-bytes")))

	got, err := fs.Get(key)
	require.NoError(t, err)
	assert.Equal(t, []byte("snapshot-bytes"), got)

	keys, err := fs.List("checkpoints/orders")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key, filepath.ToSlash(keys[0]))

	_, err = fs.Get("checkpoints/orders/missing.dsck")
	assert.ErrorIs(t, err, ErrNotFound)

	// tmp/ never leaks into listings
	keys, err = fs.List("")
	require.NoError(t, err)
	for _, k := range keys {
		assert.NotContains(t, k, "tmp/")
	}
}

func TestRetryableStoreRetriesTransientErrors(t *testing.T) {
	mem := NewMemStore()
	mem.PutErrs = []error{errors.New("throttling: SlowDown")}
	rs := NewRetryableStore(mem, RetryConfig{MaxAttempts: 3, BaseDelay: 1, MaxDelay: 2, Multiplier: 2})

	require.NoError(t, rs.PutAtomic("checkpoints/orders/o/a.dsck", []byte("x")))
	assert.Equal(t, 1, mem.Len())
}

func TestRetryableStoreStopsOnPermanentError(t *testing.T) {
	mem := NewMemStore()
	mem.PutErrs = []error{errors.New("access denied"), errors.New("access denied")}
	rs := NewRetryableStore(mem, RetryConfig{MaxAttempts: 3, BaseDelay: 1, MaxDelay: 2, Multiplier: 2})

	err := rs.PutAtomic("checkpoints/orders/o/a.dsck", []byte("x"))
	require.Error(t, err)
	// Only the first attempt ran; one injected error remains.
	assert.Len(t, mem.PutErrs, 1)
}

func TestRetryableStoreGetNotFoundNotRetried(t *testing.T) {
	mem := NewMemStore()
	rs := NewRetryableStore(mem, DefaultRetryConfig())
	_, err := rs.Get("checkpoints/none.dsck")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetryableStoreExhaustsAttempts(t *testing.T) {
	mem := NewMemStore()
	mem.GetErrs = []error{
		errors.New("connection reset"),
		errors.New("connection reset"),
		errors.New("connection reset"),
	}
	mem.PutErrs = nil
	require.NoError(t, mem.PutAtomic("k", []byte("v")))

	rs := NewRetryableStore(mem, RetryConfig{MaxAttempts: 3, BaseDelay: 1, MaxDelay: 2, Multiplier: 2})
	_, err := rs.Get("k")
	assert.ErrorContains(t, err, "after 3 attempts")
}
