package authcore

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

const secretBoxKeySize = chacha20poly1305.KeySize

var errSecretBoxOpen = errors.New("sealed secret could not be opened")

// secretBox seals TOTP secrets at rest with XChaCha20-Poly1305. The identity
// id is bound as associated data so a sealed secret cannot be moved to
// another identity's row.
type secretBox struct {
	key []byte
}

func newSecretBox(key []byte) (*secretBox, error) {
	if len(key) != secretBoxKeySize {
		return nil, errors.New("secret box key must be 32 bytes")
	}
	return &secretBox{key: cloneBytes(key)}, nil
}

func (b *secretBox) Seal(identityID string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(identityID)), nil
}

func (b *secretBox) Open(identityID string, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errSecretBoxOpen
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	out, err := aead.Open(nil, nonce, ct, []byte(identityID))
	if err != nil {
		return nil, errSecretBoxOpen
	}
	return out, nil
}
