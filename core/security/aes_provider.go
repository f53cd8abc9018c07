package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var ErrCiphertextTooShort = errors.New("ciphertext too short")

// AESSecretProvider AES-GCM 加解密，用于凭据 vault
type AESSecretProvider struct {
	aead cipher.AEAD
}

// NewAESSecretProvider key 可以是 16/24/32 字节的原始字符串，
// 也可以是解码后为 16/24/32 字节的 base64
func NewAESSecretProvider(keyStr string) (*AESSecretProvider, error) {
	key, err := parseKey(keyStr)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESSecretProvider{aead: aead}, nil
}

func parseKey(keyStr string) ([]byte, error) {
	if validKeyLength(len(keyStr)) {
		return []byte(keyStr), nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(keyStr); err == nil && validKeyLength(len(decoded)) {
		return decoded, nil
	}
	return nil, fmt.Errorf("invalid key length: %d. Must be 16, 24, or 32 bytes (raw or base64)", len(keyStr))
}

func validKeyLength(n int) bool {
	return n == 16 || n == 24 || n == 32
}

// Encrypt 输出 base64(nonce || ciphertext)
func (p *AESSecretProvider) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := p.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (p *AESSecretProvider) Decrypt(ciphertextBase64 string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertextBase64)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	nonceSize := p.aead.NonceSize()
	if len(data) < nonceSize {
		return "", ErrCiphertextTooShort
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := p.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}
