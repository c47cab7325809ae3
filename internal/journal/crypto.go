package journal

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// Encrypted backup layout:
//
//	magic      5 bytes  "SGJB\x01"
//	salt       16 bytes Argon2id salt
//	nonce      12 bytes AES-256-GCM nonce
//	ciphertext rest     sealed journal, 16-byte tag included
var encryptedMagic = []byte("SGJB\x01")

const (
	saltSize  = 16
	nonceSize = 12
)

var (
	ErrPasswordRequired = errors.New("journal: backup is encrypted, password required")
	ErrDecrypt          = errors.New("journal: decryption failed (wrong password?)")
)

func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, 3, 64*1024, 4, 32)
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("journal: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("journal: gcm: %w", err)
	}
	return gcm, nil
}

// EncryptBackup reads plaintext from r, encrypts it with password and writes
// the sealed backup to w.
func EncryptBackup(w io.Writer, r io.Reader, password string) error {
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("journal: read for encrypt: %w", err)
	}

	header := make([]byte, len(encryptedMagic)+saltSize+nonceSize)
	copy(header, encryptedMagic)
	salt := header[len(encryptedMagic) : len(encryptedMagic)+saltSize]
	nonce := header[len(encryptedMagic)+saltSize:]
	if _, err := rand.Read(header[len(encryptedMagic):]); err != nil {
		return fmt.Errorf("journal: generate salt and nonce: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return err
	}
	sealed := gcm.Seal(header, nonce, plaintext, nil)
	if _, err := w.Write(sealed); err != nil {
		return fmt.Errorf("journal: write encrypted backup: %w", err)
	}
	return nil
}

// DecryptBackup opens a sealed backup and writes the plaintext to w.
func DecryptBackup(w io.Writer, data []byte, password string) error {
	if !IsEncryptedBackup(data) {
		return fmt.Errorf("journal: not an encrypted backup")
	}
	header := len(encryptedMagic) + saltSize + nonceSize
	if len(data) < header {
		return fmt.Errorf("journal: encrypted backup too short")
	}
	salt := data[len(encryptedMagic) : len(encryptedMagic)+saltSize]
	nonce := data[len(encryptedMagic)+saltSize : header]

	gcm, err := newGCM(password, salt)
	if err != nil {
		return err
	}
	plaintext, err := gcm.Open(nil, nonce, data[header:], nil)
	if err != nil {
		return ErrDecrypt
	}
	if _, err := w.Write(plaintext); err != nil {
		return fmt.Errorf("journal: write decrypted: %w", err)
	}
	return nil
}

// IsEncryptedBackup reports whether data starts with the encrypted backup magic.
func IsEncryptedBackup(data []byte) bool {
	return bytes.HasPrefix(data, encryptedMagic)
}
