package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openmx/identityd/internal/model"
)

// PeerRepository is the durable directory of replication peers, their
// verification keys, and the per-peer high-water mark of pushed local ids.
type PeerRepository interface {
	GetPeer(ctx context.Context, serverName string) (*model.Peer, error)
	GetActivePeers(ctx context.Context) ([]model.Peer, error)
	// SetLastSentVersion records version as the highest local id confirmed
	// pushed to this peer, along with the push time.
	SetLastSentVersion(ctx context.Context, serverName string, version int64, pushedAt time.Time) error
	WithTx(tx *sqlx.Tx) PeerRepository
}

type peerRepo struct {
	db repoDB
}

func NewPeerRepository(db *sqlx.DB) PeerRepository {
	return &peerRepo{db: db}
}

func (r *peerRepo) WithTx(tx *sqlx.Tx) PeerRepository {
	return &peerRepo{db: tx}
}

type pubkeyRow struct {
	ServerName string `db:"server_name"`
	KeyID      string `db:"key_id"`
	Pubkey     string `db:"pubkey"`
}

func (r *peerRepo) GetPeer(ctx context.Context, serverName string) (*model.Peer, error) {
	var peer model.Peer
	err := r.db.GetContext(ctx, &peer, `
		SELECT server_name, active, last_sent_version, last_pushed_at, base_replication_url
		FROM peers WHERE server_name = $1
	`, serverName)
	found, err := HandleNotFound(&peer, err)
	if err != nil || found == nil {
		return found, err
	}

	if err := r.attachPubkeys(ctx, []*model.Peer{found}); err != nil {
		return nil, err
	}
	return found, nil
}

func (r *peerRepo) GetActivePeers(ctx context.Context) ([]model.Peer, error) {
	var peers []model.Peer
	err := r.db.SelectContext(ctx, &peers, `
		SELECT server_name, active, last_sent_version, last_pushed_at, base_replication_url
		FROM peers WHERE active ORDER BY server_name
	`)
	if err != nil {
		return nil, err
	}

	refs := make([]*model.Peer, len(peers))
	for i := range peers {
		refs[i] = &peers[i]
	}
	if err := r.attachPubkeys(ctx, refs); err != nil {
		return nil, err
	}
	return peers, nil
}

func (r *peerRepo) attachPubkeys(ctx context.Context, peers []*model.Peer) error {
	if len(peers) == 0 {
		return nil
	}

	names := make([]string, len(peers))
	byName := make(map[string]*model.Peer, len(peers))
	for i, peer := range peers {
		names[i] = peer.ServerName
		peer.Pubkeys = map[string]string{}
		byName[peer.ServerName] = peer
	}

	var rows []pubkeyRow
	query, args, err := sqlx.In(`
		SELECT server_name, key_id, pubkey FROM peer_pubkeys
		WHERE server_name IN (?)
	`, names)
	if err != nil {
		return err
	}
	query = sqlx.Rebind(sqlx.DOLLAR, query)
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return err
	}

	for _, row := range rows {
		if peer, ok := byName[row.ServerName]; ok {
			peer.Pubkeys[row.KeyID] = row.Pubkey
		}
	}
	return nil
}

func (r *peerRepo) SetLastSentVersion(ctx context.Context, serverName string, version int64, pushedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE peers SET last_sent_version = $2, last_pushed_at = $3
		WHERE server_name = $1
	`, serverName, version, pushedAt)
	return err
}
