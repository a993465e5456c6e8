package audit

import (
	"context"
	"fmt"

	"github.com/aristath/sentinel-agent/internal/crypto"
)

// CredentialBundle wraps a Store with a symmetric key used to seal and
// open the credentials table, so Config.UpdateFromCredentials (see
// internal/config) can read back overrides without ever holding a
// plaintext key in config.json, per spec.md §9 "Secrets at rest".
type CredentialBundle struct {
	store *Store
	key   []byte
}

// NewCredentialBundle binds a Store to an already-derived key. Deriving
// the key itself (from an OS secret store or an operator passphrase) is
// the main controller's responsibility (spec.md §9); this type only ever
// handles the resulting bytes.
func NewCredentialBundle(store *Store, key []byte) *CredentialBundle {
	return &CredentialBundle{store: store, key: key}
}

// Set encrypts and persists value under key.
func (c *CredentialBundle) Set(ctx context.Context, key, value string) error {
	sealed, err := crypto.Encrypt(c.key, []byte(value))
	if err != nil {
		return fmt.Errorf("audit: seal credential %s: %w", key, err)
	}
	_, err = c.store.conn.ExecContext(ctx,
		`INSERT INTO credentials (key, value_enc) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value_enc = excluded.value_enc`,
		key, sealed,
	)
	if err != nil {
		return fmt.Errorf("audit: persist credential %s: %w", key, err)
	}
	return nil
}

// Get decrypts and returns the value stored under key, or nil if absent.
// Satisfies internal/config.CredentialSource.
func (c *CredentialBundle) Get(key string) (*string, error) {
	ctx := context.Background()
	var sealed []byte
	err := c.store.conn.QueryRowContext(ctx, `SELECT value_enc FROM credentials WHERE key = ?`, key).Scan(&sealed)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: read credential %s: %w", key, err)
	}
	plain, err := crypto.Decrypt(c.key, sealed)
	if err != nil {
		return nil, fmt.Errorf("audit: open credential %s: %w", key, err)
	}
	s := string(plain)
	return &s, nil
}
