// Package replication keeps peer identity servers' association tables
// eventually consistent via signed, idempotent pushes.
package replication

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/openmx/identityd/internal/cache"
	"github.com/openmx/identityd/internal/model"
	"github.com/openmx/identityd/internal/repository"
)

// Batch is one replication push: local association id -> signed payload.
type Batch map[int64]map[string]any

// sortedIDs returns the batch's ids in ascending order; associations must be
// applied oldest-first so a newer bind is never overwritten by a stale one.
func (b Batch) sortedIDs() []int64 {
	ids := make([]int64, 0, len(b))
	for id := range b {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Hasher recomputes lookup hashes under the locally held pepper. Embedded
// hashes from the wire are never trusted.
type Hasher interface {
	HashForThreepid(ctx context.Context, medium model.Medium, address string) (string, error)
}

// Peer is a push target for signed association batches. The local server
// and remote servers share this contract so the pusher has one code path.
type Peer interface {
	Name() string
	PushUpdates(ctx context.Context, batch Batch) error
}

// LocalPeer applies this server's own local associations to its global
// table, synchronously and in-process. It exists so "pushing to yourself"
// and "pushing to a remote" look the same to the pusher.
type LocalPeer struct {
	serverName  string
	globalRepo  repository.GlobalAssociationRepository
	hasher      Hasher
	lookupCache *cache.LookupCache

	mu     sync.Mutex
	lastID int64
}

// NewLocalPeer seeds the local peer's cursor from the global table so
// restarts resume where the last apply left off.
func NewLocalPeer(
	ctx context.Context,
	serverName string,
	globalRepo repository.GlobalAssociationRepository,
	hasher Hasher,
	lookupCache *cache.LookupCache,
) (*LocalPeer, error) {
	last, err := globalRepo.LastIDFromServer(ctx, serverName)
	if err != nil {
		return nil, err
	}

	peer := &LocalPeer{
		serverName:  serverName,
		globalRepo:  globalRepo,
		hasher:      hasher,
		lookupCache: lookupCache,
	}
	if last != nil {
		peer.lastID = *last
	}
	return peer, nil
}

func (p *LocalPeer) Name() string {
	return p.serverName
}

// LastID returns the highest local id already applied to the global table.
func (p *LocalPeer) LastID() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastID
}

func (p *LocalPeer) PushUpdates(ctx context.Context, batch Batch) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range batch.sortedIDs() {
		if id <= p.lastID {
			continue
		}
		if err := p.apply(ctx, id, batch[id]); err != nil {
			return err
		}
		p.lastID = id
	}
	return nil
}

func (p *LocalPeer) apply(ctx context.Context, id int64, payload map[string]any) error {
	assoc, err := model.AssociationFromPayload(payload)
	if err != nil {
		return err
	}

	if assoc.IsTombstone() {
		// Tombstone convergence deletes all matching global rows instead of
		// appending a row; the inbound path does the same for remote
		// tombstones.
		if err := p.globalRepo.RemoveAssociation(ctx, assoc.Medium, assoc.Address); err != nil {
			return err
		}
		p.lookupCache.InvalidateThreepid(ctx, assoc.Medium, assoc.Address)
		return nil
	}

	hash, err := p.hasher.HashForThreepid(ctx, assoc.Medium, assoc.Address)
	if err != nil {
		return err
	}
	assoc.LookupHash = &hash

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if _, err := p.globalRepo.AddAssociation(ctx, assoc, string(raw), p.serverName, id); err != nil {
		return err
	}
	p.lookupCache.InvalidateThreepid(ctx, assoc.Medium, assoc.Address)
	p.lookupCache.InvalidateHash(ctx, hash)
	return nil
}
