package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/rendis/nodeflow/pkg/schema"
)

const (
	keySize           = 32
	defaultIterations = 100_000
)

// VaultConfig selects how the encryption key is obtained. MasterKey wins
// over Passphrase; a passphrase needs a Salt.
type VaultConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	Iterations int
}

// AESVault seals credentials with AES-256-GCM. The reference name is bound
// in as additional data, so a blob copied under another name fails to open.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

var _ Vault = (*AESVault)(nil)

// NewAESVault creates a vault persisting through s.
func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

func deriveKey(cfg VaultConfig) ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != keySize {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"master key must be %d bytes, got %d", keySize, len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "vault needs a master key or a passphrase")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "vault passphrase needs a salt")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = defaultIterations
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, keySize)
}

func checkRef(ref string) error {
	if strings.TrimSpace(ref) == "" {
		return schema.NewError(schema.ErrCodeValidation, "credential reference is empty")
	}
	return nil
}

func (v *AESVault) seal(ref string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, []byte(ref)), nil
}

func (v *AESVault) open(ref string, blob []byte) ([]byte, error) {
	n := v.aead.NonceSize()
	if len(blob) < n {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "credential %q: ciphertext too short", ref)
	}
	plaintext, err := v.aead.Open(nil, blob[:n], blob[n:], []byte(ref))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "credential %q: decrypt failed", ref).WithCause(err)
	}
	return plaintext, nil
}

// Store encrypts value and saves it under ref, replacing any previous value.
func (v *AESVault) Store(ctx context.Context, ref string, value []byte) error {
	if err := checkRef(ref); err != nil {
		return err
	}
	blob, err := v.seal(ref, value)
	if err != nil {
		return err
	}
	if err := v.store.StoreSecret(ctx, ref, blob); err != nil {
		return fmt.Errorf("store credential %q: %w", ref, err)
	}
	return nil
}

// Resolve returns the decrypted material for ref. Missing references keep
// the store's NOT_FOUND code.
func (v *AESVault) Resolve(ctx context.Context, ref string) ([]byte, error) {
	if err := checkRef(ref); err != nil {
		return nil, err
	}
	blob, err := v.store.GetSecret(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("resolve credential %q: %w", ref, err)
	}
	return v.open(ref, blob)
}

func (v *AESVault) Delete(ctx context.Context, ref string) error {
	return v.store.DeleteSecret(ctx, ref)
}

func (v *AESVault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}

// Rekey re-encrypts every stored credential under next. It stops at the
// first failure; credentials already moved stay readable only by next.
func (v *AESVault) Rekey(ctx context.Context, next *AESVault) (int, error) {
	refs, err := v.List(ctx)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, ref := range refs {
		plain, err := v.Resolve(ctx, ref)
		if err != nil {
			return moved, err
		}
		if err := next.Store(ctx, ref, plain); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}
