package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

// encPrefix marks values produced by this cipher. IsEncrypted keys off it so
// accidental plaintext in the accounts table is caught before use.
const encPrefix = "enc:v1:"

// AESGCM is the default Cipher: AES-256-GCM with a random nonce per value,
// key derived from the configured secret.
type AESGCM struct {
	key [32]byte
}

func NewAESGCM(secret string) (*AESGCM, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("vault: secret is required")
	}
	return &AESGCM{key: sha256.Sum256([]byte(secret))}, nil
}

func (c *AESGCM) IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encPrefix)
}

func (c *AESGCM) Encrypt(plaintext string) (string, error) {
	gcm, err := c.aead()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

func (c *AESGCM) Decrypt(ciphertext string) (string, error) {
	raw, ok := strings.CutPrefix(ciphertext, encPrefix)
	if !ok {
		return "", errors.New("vault: value is not ciphertext")
	}
	sealed, err := base64.RawStdEncoding.DecodeString(raw)
	if err != nil {
		return "", err
	}
	gcm, err := c.aead()
	if err != nil {
		return "", err
	}
	if len(sealed) < gcm.NonceSize() {
		return "", errors.New("vault: ciphertext too short")
	}
	nonce, body := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (c *AESGCM) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
