package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// HashingRepository persists the single lookup pepper row. Caching lives in
// the hashing service, not here.
type HashingRepository interface {
	GetPepper(ctx context.Context) (*string, error)
	SetPepper(ctx context.Context, pepper string) error
	WithTx(tx *sqlx.Tx) HashingRepository
}

type hashingRepo struct {
	db repoDB
}

func NewHashingRepository(db *sqlx.DB) HashingRepository {
	return &hashingRepo{db: db}
}

func (r *hashingRepo) WithTx(tx *sqlx.Tx) HashingRepository {
	return &hashingRepo{db: tx}
}

func (r *hashingRepo) GetPepper(ctx context.Context) (*string, error) {
	var pepper string
	err := r.db.GetContext(ctx, &pepper, `
		SELECT lookup_pepper FROM hashing_metadata WHERE id = 1
	`)
	return HandleNotFound(&pepper, err)
}

func (r *hashingRepo) SetPepper(ctx context.Context, pepper string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO hashing_metadata (id, lookup_pepper) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET lookup_pepper = EXCLUDED.lookup_pepper
	`, pepper)
	return err
}
