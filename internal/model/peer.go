package model

import "time"

// Peer is a cooperating identity server we replicate associations with.
// Pubkeys maps key id (e.g. "ed25519") to base64 public key material; at
// least one ed25519 entry is required before the peer can be pushed to.
type Peer struct {
	ServerName         string     `db:"server_name"`
	Active             bool       `db:"active"`
	LastSentVersion    *int64     `db:"last_sent_version"`
	LastPushedAt       *time.Time `db:"last_pushed_at"`
	BaseReplicationURL *string    `db:"base_replication_url"`

	Pubkeys map[string]string `db:"-"`
}

// GlobalAssociationRow is one event in the append-mostly global log,
// uniquely keyed by (OriginServer, OriginID) across the federation.
type GlobalAssociationRow struct {
	ID           int64   `db:"id"`
	OriginServer string  `db:"origin_server"`
	OriginID     int64   `db:"origin_id"`
	Medium       Medium  `db:"medium"`
	Address      string  `db:"address"`
	LookupHash   *string `db:"lookup_hash"`
	Mxid         *string `db:"mxid"`
	Ts           int64   `db:"ts"`
	NotBefore    int64   `db:"not_before"`
	NotAfter     int64   `db:"not_after"`
	SignedJSON   string  `db:"sg_assoc"`
}

// LocalAssociationRow is one row of the local table: the single
// current-state view of bindings this server originated. The surrogate id
// doubles as the replication cursor and is never reused.
type LocalAssociationRow struct {
	ID int64 `db:"id"`
	ThreepidAssociation
}
