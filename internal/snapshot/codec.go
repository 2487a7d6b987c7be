package snapshot

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Object wire format: 4-byte big-endian header length | header JSON | body.
// The body is the zstd-compressed snapshot, sealed when encryption is on.

const (
	Magic          = "DSOBJ"
	Version        = 0
	TypeCheckpoint = "checkpoint"
)

// Header is the unencrypted routing/metadata prefix of each object.
type Header struct {
	Magic        string    `json:"magic"`
	Version      int       `json:"version"`
	ObjectType   string    `json:"object_type"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	CheckpointID string    `json:"checkpoint_id"`
	CreatedAt    time.Time `json:"created_at"`
	Compression  string    `json:"compression"`
	ByteLenPlain int       `json:"byte_len_plain"`
	Crypto       CryptoEnv `json:"crypto"`
}

// CryptoEnv holds per-object envelope metadata (wrapped key, nonce).
type CryptoEnv struct {
	NonceHex   string `json:"nonce"`       // 24 bytes for XChaCha20, hex
	WrappedKey string `json:"wrapped_key"` // object key wrapped with master key, hex
}

// NewCheckpointHeader builds a header for a checkpoint snapshot object.
func NewCheckpointHeader(resourceType, resourceID, checkpointID string) *Header {
	return &Header{
		Magic:        Magic,
		Version:      Version,
		ObjectType:   TypeCheckpoint,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		CheckpointID: checkpointID,
		CreatedAt:    time.Now().UTC(),
		Compression:  "zstd",
	}
}

// EncodeCheckpoint builds a full .dsck object: header JSON + compressed
// (and, when encrypt is true, sealed) snapshot bytes.
func EncodeCheckpoint(h *Header, plaintext []byte, masterKey []byte, encrypt bool) ([]byte, error) {
	if err := CheckSnapshotSize(len(plaintext)); err != nil {
		return nil, err
	}
	h.ByteLenPlain = len(plaintext)

	compressed, err := compress(plaintext)
	if err != nil {
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}

	if !encrypt {
		h.Crypto = CryptoEnv{}
		headerBytes, err := json.Marshal(h)
		if err != nil {
			return nil, err
		}
		return marshalObject(headerBytes, compressed), nil
	}

	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes", KeySize)
	}
	objKey := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, objKey); err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	wrapped, err := WrapKey(masterKey, objKey)
	if err != nil {
		return nil, err
	}
	h.Crypto = CryptoEnv{
		NonceHex:   hex.EncodeToString(nonce),
		WrappedKey: hex.EncodeToString(wrapped),
	}
	headerBytes, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	sealed, err := SealWithKey(objKey, nonce, compressed, headerBytes)
	if err != nil {
		return nil, err
	}
	return marshalObject(headerBytes, sealed), nil
}

func marshalObject(header, body []byte) []byte {
	buf := make([]byte, 4, 4+len(header)+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(header)))
	buf = append(buf, header...)
	return append(buf, body...)
}

// DecodeObject parses object bytes, returns header and body. Does not decrypt
// or decompress.
func DecodeObject(raw []byte) (*Header, []byte, error) {
	if len(raw) < 4 {
		return nil, nil, fmt.Errorf("object too short")
	}
	headerLen := binary.BigEndian.Uint32(raw[:4])
	if headerLen > 1024*1024 {
		return nil, nil, fmt.Errorf("header too long")
	}
	if len(raw) < 4+int(headerLen) {
		return nil, nil, fmt.Errorf("truncated object")
	}
	headerBytes := raw[4 : 4+headerLen]
	body := raw[4+headerLen:]

	var h Header
	if err := json.Unmarshal(headerBytes, &h); err != nil {
		return nil, nil, fmt.Errorf("parse header: %w", err)
	}
	if h.Magic != Magic || h.Version != Version {
		return nil, nil, fmt.Errorf("invalid magic/version")
	}
	return &h, body, nil
}

// DecodeCheckpoint decrypts (when sealed) and decompresses an object body
// back into the snapshot plaintext.
func DecodeCheckpoint(h *Header, body []byte, masterKey []byte) ([]byte, error) {
	compressed := body
	if h.Crypto.NonceHex != "" && h.Crypto.WrappedKey != "" {
		if len(masterKey) == 0 {
			return nil, fmt.Errorf("encrypted object but no key")
		}
		headerBytes, err := json.Marshal(h)
		if err != nil {
			return nil, err
		}
		nonce, err := DecodeNonce(h.Crypto.NonceHex)
		if err != nil {
			return nil, fmt.Errorf("nonce: %w", err)
		}
		wrapped, err := hex.DecodeString(h.Crypto.WrappedKey)
		if err != nil {
			return nil, fmt.Errorf("wrapped key: %w", err)
		}
		compressed, err = OpenPayload(masterKey, nonce, body, wrapped, headerBytes)
		if err != nil {
			return nil, err
		}
	}
	plain, err := decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	if h.ByteLenPlain > 0 && len(plain) != h.ByteLenPlain {
		return nil, fmt.Errorf("snapshot length mismatch: got %d, want %d", len(plain), h.ByteLenPlain)
	}
	return plain, nil
}

func compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	out := enc.EncodeAll(data, nil)
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}
