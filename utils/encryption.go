package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"outreach/config"

	"golang.org/x/crypto/hkdf"
)

var errCiphertextTooShort = errors.New("ciphertext too short")

// Encrypt seals credentials with the key derived from ENCRYPTION_KEY.
func Encrypt(plaintext string) (string, error) {
	return EncryptWithKey(config.AppConfig.EncryptionKey, plaintext)
}

func Decrypt(ciphertext string) (string, error) {
	return DecryptWithKey(config.AppConfig.EncryptionKey, ciphertext)
}

func EncryptWithKey(secret, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	gcm, err := credentialCipher(secret)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

func DecryptWithKey(secret, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	gcm, err := credentialCipher(secret)
	if err != nil {
		return "", err
	}

	decoded, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	if len(decoded) < gcm.NonceSize() {
		return "", errCiphertextTooShort
	}

	nonce, sealed := decoded[:gcm.NonceSize()], decoded[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func credentialCipher(secret string) (cipher.AEAD, error) {
	if secret == "" {
		return nil, errors.New("encryption key is not configured")
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("outreach sender credentials"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
