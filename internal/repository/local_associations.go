package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openmx/identityd/internal/model"
)

// LocalAssociationRepository is the single current-state table of bindings
// this server originated. Surrogate ids are the replication cursor: every
// write allocates a fresh id, even when replacing an existing
// (medium, address) row, so peers tracking "last id seen" never miss an
// update.
type LocalAssociationRepository interface {
	// Upsert replaces any existing row for (medium, address) and returns the
	// freshly allocated id.
	Upsert(ctx context.Context, assoc *model.ThreepidAssociation) (int64, error)
	// GetAfterID returns rows with id > cursor in ascending id order, at most
	// limit rows (limit <= 0 means unbounded).
	GetAfterID(ctx context.Context, cursor int64, limit int) ([]model.LocalAssociationRow, error)
	// RemoveAssociation writes a tombstone row for (medium, address) when a
	// current binding to mxid exists; otherwise it is a silent no-op.
	// Returns whether a tombstone was written.
	RemoveAssociation(ctx context.Context, medium model.Medium, address, mxid string) (bool, error)
	// RehashBatch returns up to limit rows after cursor for pepper rotation.
	RehashBatch(ctx context.Context, cursor int64, limit int) ([]model.LocalAssociationRow, error)
	// SetLookupHash updates a single row's lookup hash.
	SetLookupHash(ctx context.Context, id int64, hash string) error
	WithTx(tx *sqlx.Tx) LocalAssociationRepository
}

type localAssociationRepo struct {
	db repoDB
	// conn is the pool the repository was built on; nil once rebound onto a
	// transaction via WithTx.
	conn *sqlx.DB
}

func NewLocalAssociationRepository(db *sqlx.DB) LocalAssociationRepository {
	return &localAssociationRepo{db: db, conn: db}
}

func (r *localAssociationRepo) WithTx(tx *sqlx.Tx) LocalAssociationRepository {
	return &localAssociationRepo{db: tx}
}

func (r *localAssociationRepo) Upsert(ctx context.Context, assoc *model.ThreepidAssociation) (int64, error) {
	// Delete then insert, never ON CONFLICT: the id must move forward on
	// every replace so peers tracking "last id seen" pick up the new row.
	// The delete has to complete before the insert meets the
	// (medium, address) unique index, so the two statements run separately
	// inside one transaction; a single statement with a data-modifying CTE
	// gives no ordering guarantee between the delete and the insert.
	if r.conn == nil {
		return upsertLocal(ctx, r.db, assoc)
	}

	tx, err := r.conn.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	id, err := upsertLocal(ctx, tx, assoc)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func upsertLocal(ctx context.Context, db repoDB, assoc *model.ThreepidAssociation) (int64, error) {
	_, err := db.ExecContext(ctx, `
		DELETE FROM local_threepid_associations
		WHERE medium = $1 AND address = $2
	`, assoc.Medium, assoc.Address)
	if err != nil {
		return 0, err
	}

	var id int64
	err = db.GetContext(ctx, &id, `
		INSERT INTO local_threepid_associations
			(medium, address, lookup_hash, mxid, ts, not_before, not_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, assoc.Medium, assoc.Address, assoc.LookupHash, assoc.Mxid,
		assoc.Ts, assoc.NotBefore, assoc.NotAfter)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (r *localAssociationRepo) GetAfterID(ctx context.Context, cursor int64, limit int) ([]model.LocalAssociationRow, error) {
	query := `
		SELECT id, medium, address, lookup_hash, mxid, ts, not_before, not_after
		FROM local_threepid_associations
		WHERE id > $1
		ORDER BY id ASC
	`
	args := []any{cursor}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	var rows []model.LocalAssociationRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *localAssociationRepo) RemoveAssociation(ctx context.Context, medium model.Medium, address, mxid string) (bool, error) {
	// The tombstone replaces the binding row under a fresh id and a window
	// that is never valid, so lookups miss it but replication carries it.
	// Same delete-before-insert ordering requirement as Upsert.
	if r.conn == nil {
		return removeLocal(ctx, r.db, medium, address, mxid)
	}

	tx, err := r.conn.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	removed, err := removeLocal(ctx, tx, medium, address, mxid)
	if err != nil {
		_ = tx.Rollback()
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return removed, nil
}

func removeLocal(ctx context.Context, db repoDB, medium model.Medium, address, mxid string) (bool, error) {
	result, err := db.ExecContext(ctx, `
		DELETE FROM local_threepid_associations
		WHERE medium = $1 AND address = $2 AND mxid = $3
	`, medium, address, mxid)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO local_threepid_associations
			(medium, address, lookup_hash, mxid, ts, not_before, not_after)
		VALUES ($1, $2, NULL, NULL, $3, 0, 0)
	`, medium, address, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *localAssociationRepo) RehashBatch(ctx context.Context, cursor int64, limit int) ([]model.LocalAssociationRow, error) {
	var rows []model.LocalAssociationRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, medium, address, lookup_hash, mxid, ts, not_before, not_after
		FROM local_threepid_associations
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *localAssociationRepo) SetLookupHash(ctx context.Context, id int64, hash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE local_threepid_associations SET lookup_hash = $2 WHERE id = $1
	`, id, hash)
	return err
}
