package mst

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/r3e-network/workflow-engine/internal/apperr"
)

// EncryptValue encrypts a leaf value with AES-256-GCM, prepending the nonce
// to the ciphertext, orthogonal to tree structure: only the stored Value
// bytes are opaque, keys and shape remain visible so range scans and diff
// still work unmodified.
func EncryptValue(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperr.Internal("mst: new aes cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperr.Internal("mst: new gcm", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, apperr.Internal("mst: generate nonce", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperr.Internal("mst: new aes cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperr.Internal("mst: new gcm", err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, apperr.InvalidInput("mst: ciphertext shorter than nonce")
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, "mst: decrypt value", err)
	}
	return plaintext, nil
}

// EncryptedTree wraps a Tree so Put/Get transparently encrypt/decrypt
// values with a single externally supplied key, letting callers opt a named
// tree into at-rest value encryption without touching tree logic.
type EncryptedTree struct {
	*Tree
	key []byte
}

// NewEncryptedTree returns an EncryptedTree over store, using key for
// AES-GCM (a 16, 24, or 32 byte key selects AES-128, AES-192, or AES-256).
func NewEncryptedTree(store *NodeStore, key []byte) *EncryptedTree {
	return &EncryptedTree{Tree: NewTree(store), key: key}
}

func (t *EncryptedTree) PutEncrypted(ctx context.Context, key, value []byte) (Hash, error) {
	ciphertext, err := EncryptValue(t.key, value)
	if err != nil {
		return nil, err
	}
	return t.Tree.Put(ctx, key, ciphertext)
}

func (t *EncryptedTree) GetDecrypted(ctx context.Context, key []byte) ([]byte, bool, error) {
	ciphertext, found, err := t.Tree.Get(ctx, key)
	if err != nil || !found {
		return nil, found, err
	}
	plaintext, err := DecryptValue(t.key, ciphertext)
	if err != nil {
		return nil, false, err
	}
	return plaintext, true, nil
}
