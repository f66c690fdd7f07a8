package replication

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/openmx/identityd/internal/cache"
	apperrors "github.com/openmx/identityd/internal/errors"
	"github.com/openmx/identityd/internal/model"
	"github.com/openmx/identityd/internal/repository"
)

// Inbound applies replication pushes received from remote peers: it
// identifies the origin peer, verifies every signature, and inserts the
// associations idempotently into the global table.
type Inbound struct {
	peerRepo    repository.PeerRepository
	globalRepo  repository.GlobalAssociationRepository
	hasher      Hasher
	lookupCache *cache.LookupCache
}

func NewInbound(
	peerRepo repository.PeerRepository,
	globalRepo repository.GlobalAssociationRepository,
	hasher Hasher,
	lookupCache *cache.LookupCache,
) *Inbound {
	return &Inbound{
		peerRepo:    peerRepo,
		globalRepo:  globalRepo,
		hasher:      hasher,
		lookupCache: lookupCache,
	}
}

type inboundEntry struct {
	originID int64
	payload  map[string]any
}

// ProcessPush applies one push body. Wire ids arrive as stringified object
// keys and are parsed back to integers before any cursor use. Re-delivered
// entries (same origin id) are silent no-ops.
func (in *Inbound) ProcessPush(ctx context.Context, sgAssocs map[string]map[string]any) error {
	if len(sgAssocs) == 0 {
		return nil
	}

	entries := make([]inboundEntry, 0, len(sgAssocs))
	for rawID, payload := range sgAssocs {
		id, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil {
			return apperrors.InvalidParam("sgAssocs", "association keys must be integer ids")
		}
		entries = append(entries, inboundEntry{originID: id, payload: payload})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].originID < entries[j].originID })

	origin, err := in.identifyOrigin(ctx, entries[0].payload)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err := origin.VerifySignedAssociation(entry.payload); err != nil {
			log.Warn().
				Str("peer", origin.Name()).
				Int64("originId", entry.originID).
				Err(err).
				Msg("rejecting replication batch: signature verification failed")
			return err
		}
	}

	for _, entry := range entries {
		if err := in.apply(ctx, origin.Name(), entry); err != nil {
			return err
		}
	}

	log.Info().
		Str("peer", origin.Name()).
		Int("count", len(entries)).
		Msg("applied replication push")
	return nil
}

// identifyOrigin finds the configured peer whose name appears in the first
// association's signatures. Peers are trusted once their key is configured;
// an unknown signer is rejected outright.
func (in *Inbound) identifyOrigin(ctx context.Context, payload map[string]any) (*RemotePeer, error) {
	signatures, ok := payload["signatures"].(map[string]any)
	if !ok || len(signatures) == 0 {
		return nil, apperrors.NoSignatures()
	}

	for serverName := range signatures {
		peer, err := in.peerRepo.GetPeer(ctx, serverName)
		if err != nil {
			return nil, apperrors.Database(err)
		}
		if peer == nil || !peer.Active {
			continue
		}
		remote, err := NewRemotePeer(peer, nil)
		if err != nil {
			return nil, apperrors.Internal("peer has unusable verify key").WithCause(err)
		}
		return remote, nil
	}

	names := make([]string, 0, len(signatures))
	for name := range signatures {
		names = append(names, name)
	}
	sort.Strings(names)
	return nil, apperrors.UnknownPeer(names[0])
}

func (in *Inbound) apply(ctx context.Context, originServer string, entry inboundEntry) error {
	assoc, err := model.AssociationFromPayload(entry.payload)
	if err != nil {
		return apperrors.MalformedAssociation(err)
	}

	// A tombstone revokes every binding this server knows for the threepid,
	// exactly as on the local convergence path. Storing it as a row instead
	// would leave the older, still-valid rows winning every lookup.
	if assoc.IsTombstone() {
		if err := in.globalRepo.RemoveAssociation(ctx, assoc.Medium, assoc.Address); err != nil {
			return apperrors.Database(err)
		}
		in.lookupCache.InvalidateThreepid(ctx, assoc.Medium, assoc.Address)
		return nil
	}

	hash, err := in.hasher.HashForThreepid(ctx, assoc.Medium, assoc.Address)
	if err != nil {
		return err
	}
	assoc.LookupHash = &hash

	raw, err := json.Marshal(entry.payload)
	if err != nil {
		return apperrors.Internal("re-encode association").WithCause(err)
	}

	inserted, err := in.globalRepo.AddAssociation(ctx, assoc, string(raw), originServer, entry.originID)
	if err != nil {
		return apperrors.Database(err)
	}
	if inserted {
		in.lookupCache.InvalidateThreepid(ctx, assoc.Medium, assoc.Address)
		if assoc.LookupHash != nil {
			in.lookupCache.InvalidateHash(ctx, *assoc.LookupHash)
		}
	}
	return nil
}
