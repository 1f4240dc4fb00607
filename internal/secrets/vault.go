package secrets

import (
	"context"

	"github.com/rendis/nodeflow/internal/nodes"
)

// Vault manages credential material referenced by a node's credential
// field. Values are encrypted at rest and decrypted only when resolved.
type Vault interface {
	nodes.CredentialResolver
	Store(ctx context.Context, ref string, value []byte) error
	Delete(ctx context.Context, ref string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore persists encrypted blobs. Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}
