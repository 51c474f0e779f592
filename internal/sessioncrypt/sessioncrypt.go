// Package sessioncrypt seals credential blobs before they reach the store.
// The blob stays opaque either way; sealing only adds an at-rest layer for
// deployments that configure a key.
package sessioncrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
)

var errCorrupt = errors.New("sessioncrypt: blob too short")

// Sealer encrypts and decrypts session blobs with AES-CBC. A nil Sealer
// passes blobs through untouched.
type Sealer struct {
	key []byte
}

// New derives a 32-byte cipher key from the configured passphrase. An empty
// passphrase disables sealing.
func New(passphrase string) *Sealer {
	if passphrase == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(passphrase))
	return &Sealer{key: sum[:]}
}

// Seal encrypts the blob, prefixing a random IV.
func (s *Sealer) Seal(blob []byte) ([]byte, error) {
	if s == nil {
		return blob, nil
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	padded := pkcs7Pad(blob, aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return out, nil
}

// Open decrypts a blob produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if s == nil {
		return sealed, nil
	}
	if len(sealed) < 2*aes.BlockSize || len(sealed)%aes.BlockSize != 0 {
		return nil, errCorrupt
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	iv, body := sealed[:aes.BlockSize], sealed[aes.BlockSize:]
	out := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, body)
	return pkcs7Unpad(out)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padding)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padding)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errCorrupt
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > aes.BlockSize || padding > len(data) {
		return nil, errCorrupt
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, errCorrupt
		}
	}
	return data[:len(data)-padding], nil
}
