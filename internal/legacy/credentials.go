// Package legacy connects the pipeline to legacy GPS servers: encrypted
// connection credentials and an SSH-based historical data source.
package legacy

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/buslogic/smart-city-sub000/internal/models"
	"golang.org/x/crypto/scrypt"
	"gorm.io/gorm"
)

// EncryptionKeyEnv names the environment variable holding the secret that
// credential passwords are encrypted with.
const EncryptionKeyEnv = "GPSPIPE_ENCRYPTION_KEY"

// ErrNoCredential is returned when no active legacy database matches.
var ErrNoCredential = errors.New("legacy: no active credential")

func deriveKey(secret string) ([]byte, error) {
	return scrypt.Key([]byte(secret), []byte("salt"), 16384, 8, 1, 32)
}

// EncryptPassword encrypts plain with AES-256-CBC under a key derived from
// secret and returns it as "ivhex:cipherhex".
func EncryptPassword(plain, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("legacy: encryption secret is required")
	}
	key, err := deriveKey(secret)
	if err != nil {
		return "", fmt.Errorf("legacy: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("legacy: new cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("legacy: generate iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plain), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(out), nil
}

// DecryptPassword reverses EncryptPassword. Values that do not look
// encrypted, or that fail to decrypt, are returned as-is: rows written
// before encryption was introduced store plaintext.
func DecryptPassword(stored, secret string) string {
	ivHex, cipherHex, ok := strings.Cut(stored, ":")
	if !ok || secret == "" {
		return stored
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return stored
	}
	data, err := hex.DecodeString(cipherHex)
	if err != nil || len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return stored
	}
	key, err := deriveKey(secret)
	if err != nil {
		return stored
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return stored
	}

	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data)
	unpadded, err := pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return stored
	}
	return string(unpadded)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+n)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padding length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("invalid padding byte")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("inconsistent padding")
		}
	}
	return data[:len(data)-n], nil
}

// ActiveCredential loads the active legacy database row for a subtype and
// decrypts its password using the secret from GPSPIPE_ENCRYPTION_KEY.
func ActiveCredential(db *gorm.DB, subtype string) (models.LegacyCredential, error) {
	var cred models.LegacyCredential
	err := db.Where("subtype = ? AND active = ?", subtype, true).First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.LegacyCredential{}, fmt.Errorf("%w: subtype %s", ErrNoCredential, subtype)
	}
	if err != nil {
		return models.LegacyCredential{}, fmt.Errorf("legacy: load credential %s: %w", subtype, err)
	}
	cred.Password = DecryptPassword(cred.Password, os.Getenv(EncryptionKeyEnv))
	return cred, nil
}
