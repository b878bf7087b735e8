// Package credentials implements the encrypted, hierarchical credential
// store. Values are AES-256-GCM ciphertext at rest; decryption happens only
// at use sites, inside Resolve. Resolution walks the four scopes narrowest
// first: processor, campaign, tenant, system.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// kdfSalt fixes the PBKDF2 salt for key derivation. Rotating the
// passphrase requires re-encrypting stored values, which Rotate handles.
var kdfSalt = []byte("docuflow-credentials-v1")

const kdfIterations = 4096

// Cipher encrypts and decrypts credential values with a passphrase-derived
// AES-256 key.
type Cipher struct {
	key []byte
}

// NewCipher derives the AES-256 key from the passphrase.
func NewCipher(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, errors.New("credential passphrase must not be empty")
	}
	key := pbkdf2.Key([]byte(passphrase), kdfSalt, kdfIterations, 32, sha256.New)
	return &Cipher{key: key}, nil
}

// Encrypt seals a plaintext value. The random nonce is prepended to the
// ciphertext.
func (c *Cipher) Encrypt(plaintext string) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aesGCM.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens a sealed value produced by Encrypt.
func (c *Cipher) Decrypt(ciphertext []byte) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonceSize := aesGCM.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", errors.New("ciphertext too short")
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := aesGCM.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential: %w", err)
	}
	return string(plaintext), nil
}
