package secrets

import (
	"context"
	"regexp"

	"github.com/rendis/autoflow/pkg/schema"
)

// Vault stores secrets encrypted at rest and decrypts them on demand.
// Workflow steps reference them as {{secrets.KEY}}.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the persistence the vault needs. Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

var keyRe = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,128}$`)

// ValidateKey rejects keys that could not be referenced from a placeholder.
func ValidateKey(key string) error {
	if !keyRe.MatchString(key) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid secret key %q: use 1-128 letters, digits, '_' or '-'", key)
	}
	return nil
}
