package keyvault

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/deid/internal/platform/db"
)

type keyRepoPG struct {
	pool *pgxpool.Pool
}

// NewPostgresKeyRepository stores wrapped keys in the sealing_key table.
func NewPostgresKeyRepository(pool *pgxpool.Pool) KeyRepository {
	return &keyRepoPG{pool: pool}
}

func (r *keyRepoPG) Create(ctx context.Context, k *WrappedKey) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO sealing_key (key_id, wrapped_key, kek_version, created_at)
		VALUES ($1, $2, $3, $4)`,
		k.KeyID, k.Wrapped, k.KEKVersion, k.CreatedAt,
	)
	if db.IsUniqueViolation(err) {
		return ErrKeyExists
	}
	if err != nil {
		return fmt.Errorf("insert sealing key: %w", err)
	}
	return nil
}

func (r *keyRepoPG) Get(ctx context.Context, keyID string) (*WrappedKey, error) {
	var k WrappedKey
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT key_id, wrapped_key, kek_version, created_at
		FROM sealing_key WHERE key_id = $1`, keyID,
	).Scan(&k.KeyID, &k.Wrapped, &k.KEKVersion, &k.CreatedAt)
	if db.IsNoRows(err) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select sealing key: %w", err)
	}
	return &k, nil
}

func (r *keyRepoPG) Delete(ctx context.Context, keyID string) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM sealing_key WHERE key_id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("delete sealing key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}
