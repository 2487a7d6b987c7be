package snapshot

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize   = 32
	NonceSize = 24 // XChaCha20-Poly1305
)

// WrapKey wraps objKey with masterKey. Returns nonce|wrapped.
func WrapKey(masterKey, objKey []byte) ([]byte, error) {
	if len(masterKey) != KeySize || len(objKey) != KeySize {
		return nil, fmt.Errorf("keys must be %d bytes", KeySize)
	}
	wrapAead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, err
	}
	wrapNonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, wrapNonce); err != nil {
		return nil, err
	}
	wrapped := wrapAead.Seal(nil, wrapNonce, objKey, nil)
	return append(wrapNonce, wrapped...), nil
}

// SealWithKey encrypts plaintext with objKey and nonce, binding aad
// (the header bytes) into the authentication tag.
func SealWithKey(objKey, nonce, plaintext, aad []byte) ([]byte, error) {
	if len(objKey) != KeySize || len(nonce) != NonceSize {
		return nil, fmt.Errorf("invalid key or nonce size")
	}
	aead, err := chacha20poly1305.NewX(objKey)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// OpenPayload decrypts ciphertext using the wrapped key and masterKey.
func OpenPayload(masterKey, nonce, ciphertext, wrappedKey, headerBytes []byte) ([]byte, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes", KeySize)
	}
	// Wrapped = nonce (24) + Seal(32 + 16 tag)
	if len(wrappedKey) < NonceSize+KeySize+16 {
		return nil, fmt.Errorf("wrapped key too short")
	}
	wrapNonce := wrappedKey[:NonceSize]
	wrapped := wrappedKey[NonceSize:]

	wrapAead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, err
	}
	objKey, err := wrapAead.Open(nil, wrapNonce, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap key: %w", err)
	}
	if len(objKey) != KeySize {
		return nil, fmt.Errorf("unwrapped key wrong size")
	}

	aead, err := chacha20poly1305.NewX(objKey)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, headerBytes)
}

// NonceHex returns hex of nonce for CryptoEnv.
func NonceHex(nonce []byte) string {
	return hex.EncodeToString(nonce)
}

// DecodeNonce decodes a hex nonce.
func DecodeNonce(hexStr string) ([]byte, error) {
	return hex.DecodeString(hexStr)
}
