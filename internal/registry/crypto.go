package registry

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// MasterKeyFile is the filename the master encryption key is persisted
// under inside the registry's data directory.
const MasterKeyFile = "master.key"

// MasterKeySize is the AES-256 key size in bytes.
const MasterKeySize = 32

// MasterKeyProvider owns the symmetric key used to encrypt service
// credentials at rest. Grounded verbatim on
// kdlbs-kandev/apps/backend/internal/secrets.MasterKeyProvider: load an
// existing key if present, otherwise generate and persist one with
// restrictive permissions. This resolves spec.md §9's flagged bug,
// where the reference regenerates an ephemeral key every process
// start and silently orphans previously stored credentials.
type MasterKeyProvider struct {
	keyPath string
	key     []byte
}

// NewMasterKeyProvider loads or generates the master key beneath dataDir.
// An explicit key (e.g. from the ENCRYPTION_KEY environment variable)
// bypasses the file entirely.
func NewMasterKeyProvider(dataDir string, explicitKey []byte) (*MasterKeyProvider, error) {
	if len(explicitKey) == MasterKeySize {
		return &MasterKeyProvider{key: explicitKey}, nil
	}
	if len(explicitKey) > 0 {
		return nil, fmt.Errorf("registry: encryption key must be %d bytes, got %d", MasterKeySize, len(explicitKey))
	}

	p := &MasterKeyProvider{keyPath: filepath.Join(dataDir, MasterKeyFile)}
	if err := p.loadOrGenerate(); err != nil {
		return nil, fmt.Errorf("registry: master key init: %w", err)
	}
	return p, nil
}

func (p *MasterKeyProvider) loadOrGenerate() error {
	data, err := os.ReadFile(p.keyPath)
	if err == nil && len(data) == MasterKeySize {
		p.key = data
		return nil
	}

	key := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.keyPath), 0700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(p.keyPath, key, 0600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}

	p.key = key
	return nil
}

// Key returns the master key bytes.
func (p *MasterKeyProvider) Key() []byte { return p.key }

// Encrypt encrypts plaintext with AES-256-GCM using a random nonce.
func Encrypt(plaintext, key []byte) (*EncryptedCredential, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return &EncryptedCredential{Ciphertext: ciphertext, Nonce: nonce}, nil
}

// Decrypt decrypts an EncryptedCredential. A corrupt ciphertext or
// wrong key surfaces as an error — per spec.md §4.A, decryption
// failures must never silently fall through to an empty credential.
func Decrypt(enc *EncryptedCredential, key []byte) ([]byte, error) {
	if enc == nil {
		return nil, nil
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	plaintext, err := gcm.Open(nil, enc.Nonce, enc.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential: %w", err)
	}
	return plaintext, nil
}
