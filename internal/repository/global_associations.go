package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/openmx/identityd/internal/model"
)

// ThreepidTuple identifies one (medium, address) pair in a bulk lookup.
type ThreepidTuple struct {
	Medium  model.Medium
	Address string
}

// BoundMxid is one bulk-lookup result.
type BoundMxid struct {
	Medium  model.Medium `db:"medium"`
	Address string       `db:"address"`
	Mxid    string       `db:"mxid"`
}

// GlobalAssociationRepository is the append-mostly log of association events
// this server knows about, locally originated or replicated from peers.
// Rows are unique by (origin_server, origin_id); the current value for a
// threepid is the newest row whose validity window holds.
type GlobalAssociationRepository interface {
	// AddAssociation inserts one replicated association event. Re-delivery
	// of the same (originServer, originID) is a silent no-op, which makes
	// at-least-once replication safe. Returns whether a row was inserted.
	AddAssociation(ctx context.Context, assoc *model.ThreepidAssociation, rawSignedJSON, originServer string, originID int64) (bool, error)
	// RemoveAssociation hard-deletes every row for (medium, address). Both
	// tombstone convergence paths (local and inbound) use it, so a
	// revocation immediately stops every lookup; it is not history pruning.
	RemoveAssociation(ctx context.Context, medium model.Medium, address string) error
	// GetMxid returns the mxid of the newest currently-valid row for
	// (medium, address), or nil when unbound or tombstoned.
	GetMxid(ctx context.Context, medium model.Medium, address string) (*string, error)
	// GetMxids resolves a batch of threepids, at most one result per unique
	// (medium, address), newest valid entry winning.
	GetMxids(ctx context.Context, tuples []ThreepidTuple) ([]BoundMxid, error)
	// RetrieveMxidsForHashes returns the newest valid mxid per lookup hash.
	RetrieveMxidsForHashes(ctx context.Context, hashes []string) (map[string]string, error)
	// LastIDFromServer returns max(origin_id) for rows originated by server,
	// or nil when none exist; seeds a peer's replay cursor on first contact.
	LastIDFromServer(ctx context.Context, server string) (*int64, error)
	// RehashBatch and SetLookupHash support pepper rotation.
	RehashBatch(ctx context.Context, cursor int64, limit int) ([]model.GlobalAssociationRow, error)
	SetLookupHash(ctx context.Context, id int64, hash string) error
	WithTx(tx *sqlx.Tx) GlobalAssociationRepository
}

type globalAssociationRepo struct {
	db repoDB
}

func NewGlobalAssociationRepository(db *sqlx.DB) GlobalAssociationRepository {
	return &globalAssociationRepo{db: db}
}

func (r *globalAssociationRepo) WithTx(tx *sqlx.Tx) GlobalAssociationRepository {
	return &globalAssociationRepo{db: tx}
}

func (r *globalAssociationRepo) AddAssociation(ctx context.Context, assoc *model.ThreepidAssociation, rawSignedJSON, originServer string, originID int64) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO global_threepid_associations
			(origin_server, origin_id, medium, address, lookup_hash, mxid,
			 ts, not_before, not_after, sg_assoc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (origin_server, origin_id) DO NOTHING
	`, originServer, originID, assoc.Medium, assoc.Address, assoc.LookupHash,
		assoc.Mxid, assoc.Ts, assoc.NotBefore, assoc.NotAfter, rawSignedJSON)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *globalAssociationRepo) RemoveAssociation(ctx context.Context, medium model.Medium, address string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM global_threepid_associations
		WHERE medium = $1 AND lower(address) = lower($2)
	`, medium, address)
	return err
}

func (r *globalAssociationRepo) GetMxid(ctx context.Context, medium model.Medium, address string) (*string, error) {
	now := time.Now().UnixMilli()
	var row model.GlobalAssociationRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, origin_server, origin_id, medium, address, lookup_hash,
		       mxid, ts, not_before, not_after, sg_assoc
		FROM global_threepid_associations
		WHERE medium = $1 AND lower(address) = lower($2)
		  AND not_before < $3 AND $3 < not_after
		ORDER BY ts DESC
		LIMIT 1
	`, medium, address, now)
	found, err := HandleNotFound(&row, err)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, nil
	}
	return found.Mxid, nil
}

func (r *globalAssociationRepo) GetMxids(ctx context.Context, tuples []ThreepidTuple) ([]BoundMxid, error) {
	if len(tuples) == 0 {
		return nil, nil
	}

	// Join against an inline VALUES set rather than issuing one query per
	// tuple. DISTINCT ON keeps only the newest valid row per pair.
	values := make([]string, 0, len(tuples))
	args := []any{time.Now().UnixMilli()}
	for _, tuple := range tuples {
		values = append(values, fmt.Sprintf("($%d, $%d)", len(args)+1, len(args)+2))
		args = append(args, tuple.Medium, tuple.Address)
	}

	query := `
		SELECT medium, address, mxid FROM (
			SELECT DISTINCT ON (g.medium, g.address)
			       g.medium, g.address, g.mxid
			FROM global_threepid_associations g
			JOIN (VALUES ` + strings.Join(values, ", ") + `) AS wanted (medium, address)
			  ON g.medium = wanted.medium AND lower(g.address) = lower(wanted.address)
			WHERE g.not_before < $1 AND $1 < g.not_after
			ORDER BY g.medium ASC, g.address ASC, g.ts DESC
		) newest
		WHERE mxid IS NOT NULL
	`

	var results []BoundMxid
	if err := r.db.SelectContext(ctx, &results, query, args...); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *globalAssociationRepo) RetrieveMxidsForHashes(ctx context.Context, hashes []string) (map[string]string, error) {
	if len(hashes) == 0 {
		return map[string]string{}, nil
	}

	type hashRow struct {
		LookupHash string `db:"lookup_hash"`
		Mxid       string `db:"mxid"`
	}

	var rows []hashRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT lookup_hash, mxid FROM (
			SELECT DISTINCT ON (lookup_hash) lookup_hash, mxid
			FROM global_threepid_associations
			WHERE lookup_hash = ANY ($1)
			  AND not_before < $2 AND $2 < not_after
			ORDER BY lookup_hash ASC, ts DESC
		) newest
		WHERE mxid IS NOT NULL
	`, pq.Array(hashes), time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}

	resolved := make(map[string]string, len(rows))
	for _, row := range rows {
		resolved[row.LookupHash] = row.Mxid
	}
	return resolved, nil
}

func (r *globalAssociationRepo) LastIDFromServer(ctx context.Context, server string) (*int64, error) {
	var maxID *int64
	err := r.db.GetContext(ctx, &maxID, `
		SELECT MAX(origin_id) FROM global_threepid_associations
		WHERE origin_server = $1
	`, server)
	if err != nil {
		return nil, err
	}
	return maxID, nil
}

func (r *globalAssociationRepo) RehashBatch(ctx context.Context, cursor int64, limit int) ([]model.GlobalAssociationRow, error) {
	var rows []model.GlobalAssociationRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, origin_server, origin_id, medium, address, lookup_hash,
		       mxid, ts, not_before, not_after, sg_assoc
		FROM global_threepid_associations
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *globalAssociationRepo) SetLookupHash(ctx context.Context, id int64, hash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE global_threepid_associations SET lookup_hash = $2 WHERE id = $1
	`, id, hash)
	return err
}
