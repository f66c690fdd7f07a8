package replication

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openmx/identityd/internal/model"
	"github.com/openmx/identityd/internal/repository"
	"github.com/openmx/identityd/internal/signing"
)

const (
	// PushInterval is how often the pusher scans peers for backlog.
	PushInterval = 10 * time.Second
	// PushBatchSize caps how many associations go out in one push.
	PushBatchSize = 100

	pushTimeout = 30 * time.Second
)

// Pusher replicates local associations to every active peer. Per peer it
// keeps at most one push in flight; the cursor (last_sent_version) moves
// only after a confirmed success, so a failed push is retried naturally on
// the next tick and the receiving side's idempotent insert absorbs the
// re-delivery.
type Pusher struct {
	serverName string
	signer     *signing.Signer
	localRepo  repository.LocalAssociationRepository
	peerRepo   repository.PeerRepository
	local      *LocalPeer

	// newRemotePeer builds the push target for a registry row; swapped out
	// in tests.
	newRemotePeer func(*model.Peer) (Peer, error)

	interval  time.Duration
	batchSize int
	inflight  sync.Map // server name -> *atomic.Bool
	done      chan struct{}
}

func NewPusher(
	serverName string,
	signer *signing.Signer,
	localRepo repository.LocalAssociationRepository,
	peerRepo repository.PeerRepository,
	local *LocalPeer,
	httpClient *http.Client,
) *Pusher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: pushTimeout}
	}
	return &Pusher{
		serverName: serverName,
		signer:     signer,
		localRepo:  localRepo,
		peerRepo:   peerRepo,
		local:      local,
		newRemotePeer: func(peer *model.Peer) (Peer, error) {
			return NewRemotePeer(peer, httpClient)
		},
		interval:  PushInterval,
		batchSize: PushBatchSize,
		done:      make(chan struct{}),
	}
}

func (p *Pusher) Start() {
	go p.run()
	log.Info().Dur("interval", p.interval).Msg("replication pusher started")
}

func (p *Pusher) Stop() {
	close(p.done)
	log.Info().Msg("replication pusher stopped")
}

func (p *Pusher) run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.tick()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Pusher) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()

	// Catch up our own global table first so local lookups never lag the
	// remote peers.
	if err := p.DoLocalPush(ctx); err != nil {
		log.Error().Err(err).Msg("local push failed")
	}

	peers, err := p.peerRepo.GetActivePeers(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list peers")
		return
	}

	for i := range peers {
		peer := peers[i]
		if peer.ServerName == p.serverName {
			continue
		}

		flag := p.flagFor(peer.ServerName)
		if !flag.CompareAndSwap(false, true) {
			// A previous push to this peer is still in flight; never
			// overlap pushes to the same peer.
			continue
		}

		go func() {
			defer flag.Store(false)
			p.pushToPeer(peer)
		}()
	}
}

// DoLocalPush synchronously applies any unapplied local associations to the
// global table. The binder calls this after every bind and unbind so a
// client's follow-up lookup cannot race the async peer-push timer.
func (p *Pusher) DoLocalPush(ctx context.Context) error {
	batch, _, err := p.signedBatchAfter(ctx, p.local.LastID(), 0)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}
	return p.local.PushUpdates(ctx, batch)
}

func (p *Pusher) pushToPeer(peerModel model.Peer) {
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()

	logger := log.With().
		Str("peer", peerModel.ServerName).
		Str("pushId", uuid.NewString()).
		Logger()

	peer, err := p.newRemotePeer(&peerModel)
	if err != nil {
		logger.Error().Err(err).Msg("cannot construct remote peer")
		return
	}

	cursor := int64(0)
	if peerModel.LastSentVersion != nil {
		cursor = *peerModel.LastSentVersion
	}

	batch, maxID, err := p.signedBatchAfter(ctx, cursor, p.batchSize)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read replication backlog")
		return
	}
	if len(batch) == 0 {
		return
	}

	if err := peer.PushUpdates(ctx, batch); err != nil {
		// Leave the cursor untouched: the next tick re-sends this batch.
		logger.Warn().Err(err).Int("count", len(batch)).Msg("push failed, will retry")
		return
	}

	if err := p.peerRepo.SetLastSentVersion(ctx, peerModel.ServerName, maxID, time.Now()); err != nil {
		logger.Error().Err(err).Msg("push succeeded but cursor update failed")
		return
	}

	logger.Info().
		Int("count", len(batch)).
		Int64("lastSentVersion", maxID).
		Msg("pushed associations to peer")
}

// signedBatchAfter reads local rows after cursor and signs each, returning
// the batch and the highest id included. Signing happens once per push, at
// read time.
func (p *Pusher) signedBatchAfter(ctx context.Context, cursor int64, limit int) (Batch, int64, error) {
	rows, err := p.localRepo.GetAfterID(ctx, cursor, limit)
	if err != nil {
		return nil, 0, err
	}

	batch := make(Batch, len(rows))
	maxID := cursor
	for i := range rows {
		payload, err := rows[i].SignedPayload(p.signer)
		if err != nil {
			return nil, 0, err
		}
		batch[rows[i].ID] = payload
		if rows[i].ID > maxID {
			maxID = rows[i].ID
		}
	}
	return batch, maxID, nil
}

func (p *Pusher) flagFor(serverName string) *atomic.Bool {
	flag, _ := p.inflight.LoadOrStore(serverName, &atomic.Bool{})
	return flag.(*atomic.Bool)
}
