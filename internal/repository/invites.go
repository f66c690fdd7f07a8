package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/openmx/identityd/internal/model"
)

// InviteRepository stores pending room invites addressed to threepids that
// have no binding yet.
type InviteRepository interface {
	Create(ctx context.Context, params model.CreateInviteParams) (*model.Invite, error)
	// PendingForThreepid returns invites for (medium, address) that have not
	// been attached to a binding yet.
	PendingForThreepid(ctx context.Context, medium model.Medium, address string) ([]model.Invite, error)
	// MarkSent stamps the invites as delivered to the binding homeserver.
	MarkSent(ctx context.Context, ids []int64, sentTs int64) error
	WithTx(tx *sqlx.Tx) InviteRepository
}

type inviteRepo struct {
	db repoDB
}

func NewInviteRepository(db *sqlx.DB) InviteRepository {
	return &inviteRepo{db: db}
}

func (r *inviteRepo) WithTx(tx *sqlx.Tx) InviteRepository {
	return &inviteRepo{db: tx}
}

func (r *inviteRepo) Create(ctx context.Context, params model.CreateInviteParams) (*model.Invite, error) {
	var invite model.Invite
	err := r.db.GetContext(ctx, &invite, `
		INSERT INTO invite_tokens (medium, address, room_id, sender, token)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, medium, address, room_id, sender, token, sent_ts
	`, params.Medium, params.Address, params.RoomID, params.Sender, params.Token)
	if err != nil {
		return nil, err
	}
	return &invite, nil
}

func (r *inviteRepo) PendingForThreepid(ctx context.Context, medium model.Medium, address string) ([]model.Invite, error) {
	var invites []model.Invite
	err := r.db.SelectContext(ctx, &invites, `
		SELECT id, medium, address, room_id, sender, token, sent_ts
		FROM invite_tokens
		WHERE medium = $1 AND address = $2 AND sent_ts IS NULL
		ORDER BY id ASC
	`, medium, address)
	if err != nil {
		return nil, err
	}
	return invites, nil
}

func (r *inviteRepo) MarkSent(ctx context.Context, ids []int64, sentTs int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE invite_tokens SET sent_ts = $2 WHERE id = ANY ($1)
	`, pq.Array(ids), sentTs)
	return err
}
