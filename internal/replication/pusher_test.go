package replication

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/openmx/identityd/internal/model"
	"github.com/openmx/identityd/internal/signing"
)

// fakePeer records pushed batches and answers with pushErr.
type fakePeer struct {
	name    string
	pushed  chan Batch
	block   chan struct{}
	pushErr error
}

func newFakePeer(name string) *fakePeer {
	return &fakePeer{name: name, pushed: make(chan Batch, 16)}
}

func (f *fakePeer) Name() string { return f.name }

func (f *fakePeer) PushUpdates(ctx context.Context, batch Batch) error {
	f.pushed <- batch
	if f.block != nil {
		<-f.block
	}
	return f.pushErr
}

func (f *fakePeer) waitPush(t *testing.T) Batch {
	t.Helper()
	select {
	case batch := <-f.pushed:
		return batch
	case <-time.After(time.Second):
		t.Fatal("no push arrived")
		return nil
	}
}

func makeRows(firstID int64, count int) []model.LocalAssociationRow {
	rows := make([]model.LocalAssociationRow, count)
	for i := range rows {
		mxid := "@user:example.com"
		rows[i] = model.LocalAssociationRow{
			ID: firstID + int64(i),
			ThreepidAssociation: model.ThreepidAssociation{
				Medium:    model.MediumEmail,
				Address:   "alice@example.com",
				Mxid:      &mxid,
				Ts:        1700000000000,
				NotBefore: 1700000000000,
				NotAfter:  1800000000000,
			},
		}
	}
	return rows
}

func newTestPusher(t *testing.T, localRepo *mockLocalRepo, peerRepo *mockPeerRepo, global *mockGlobalRepo) *Pusher {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer := signing.NewSigner("id.example.com", "0", priv)

	local := newTestLocalPeer(t, global)
	return NewPusher("id.example.com", signer, localRepo, peerRepo, local, nil)
}

func TestDoLocalPush(t *testing.T) {
	ctx := context.Background()

	t.Run("applies pending rows to the global table", func(t *testing.T) {
		localRepo := new(mockLocalRepo)
		global := new(mockGlobalRepo)
		pusher := newTestPusher(t, localRepo, new(mockPeerRepo), global)

		localRepo.On("GetAfterID", ctx, int64(0), 0).Return(makeRows(1, 2), nil)
		global.On("AddAssociation", ctx, mock.Anything, mock.Anything, "id.example.com", mock.Anything).
			Return(true, nil)

		require.NoError(t, pusher.DoLocalPush(ctx))
		global.AssertNumberOfCalls(t, "AddAssociation", 2)
		assert.Equal(t, int64(2), pusher.local.LastID())
	})

	t.Run("empty backlog is a no-op", func(t *testing.T) {
		localRepo := new(mockLocalRepo)
		global := new(mockGlobalRepo)
		pusher := newTestPusher(t, localRepo, new(mockPeerRepo), global)

		localRepo.On("GetAfterID", ctx, int64(0), 0).Return([]model.LocalAssociationRow{}, nil)

		require.NoError(t, pusher.DoLocalPush(ctx))
		global.AssertNotCalled(t, "AddAssociation",
			mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestPushToPeer(t *testing.T) {
	t.Run("drains a large backlog in batches and advances the cursor", func(t *testing.T) {
		localRepo := new(mockLocalRepo)
		peerRepo := new(mockPeerRepo)
		pusher := newTestPusher(t, localRepo, peerRepo, new(mockGlobalRepo))

		remote := newFakePeer("peer.example.com")
		pusher.newRemotePeer = func(*model.Peer) (Peer, error) { return remote, nil }

		localRepo.On("GetAfterID", mock.Anything, int64(0), PushBatchSize).
			Return(makeRows(1, PushBatchSize), nil)
		localRepo.On("GetAfterID", mock.Anything, int64(100), PushBatchSize).
			Return(makeRows(101, 50), nil)
		peerRepo.On("SetLastSentVersion", mock.Anything, "peer.example.com", int64(100), mock.Anything).
			Return(nil)
		peerRepo.On("SetLastSentVersion", mock.Anything, "peer.example.com", int64(150), mock.Anything).
			Return(nil)

		pusher.pushToPeer(model.Peer{ServerName: "peer.example.com"})
		first := remote.waitPush(t)
		assert.Len(t, first, PushBatchSize)

		cursor := int64(100)
		pusher.pushToPeer(model.Peer{ServerName: "peer.example.com", LastSentVersion: &cursor})
		second := remote.waitPush(t)
		assert.Len(t, second, 50)

		peerRepo.AssertExpectations(t)
	})

	t.Run("signs every association in the batch", func(t *testing.T) {
		localRepo := new(mockLocalRepo)
		peerRepo := new(mockPeerRepo)
		pusher := newTestPusher(t, localRepo, peerRepo, new(mockGlobalRepo))

		remote := newFakePeer("peer.example.com")
		pusher.newRemotePeer = func(*model.Peer) (Peer, error) { return remote, nil }

		localRepo.On("GetAfterID", mock.Anything, int64(0), PushBatchSize).
			Return(makeRows(1, 3), nil)
		peerRepo.On("SetLastSentVersion", mock.Anything, "peer.example.com", int64(3), mock.Anything).
			Return(nil)

		pusher.pushToPeer(model.Peer{ServerName: "peer.example.com"})
		batch := remote.waitPush(t)

		verifyKey := pusher.signer.Public()
		for id, payload := range batch {
			assert.NoError(t, signing.Verify(payload, "id.example.com", verifyKey), "association %d", id)
			assert.NotContains(t, payload, "lookup_hash")
		}
	})

	t.Run("failed push leaves the cursor untouched", func(t *testing.T) {
		localRepo := new(mockLocalRepo)
		peerRepo := new(mockPeerRepo)
		pusher := newTestPusher(t, localRepo, peerRepo, new(mockGlobalRepo))

		remote := newFakePeer("peer.example.com")
		remote.pushErr = assert.AnError
		pusher.newRemotePeer = func(*model.Peer) (Peer, error) { return remote, nil }

		localRepo.On("GetAfterID", mock.Anything, int64(0), PushBatchSize).
			Return(makeRows(1, 5), nil)

		pusher.pushToPeer(model.Peer{ServerName: "peer.example.com"})
		remote.waitPush(t)

		peerRepo.AssertNotCalled(t, "SetLastSentVersion",
			mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestTick(t *testing.T) {
	t.Run("keeps at most one push in flight per peer", func(t *testing.T) {
		localRepo := new(mockLocalRepo)
		peerRepo := new(mockPeerRepo)
		pusher := newTestPusher(t, localRepo, peerRepo, new(mockGlobalRepo))

		remote := newFakePeer("peer.example.com")
		remote.block = make(chan struct{})
		pusher.newRemotePeer = func(*model.Peer) (Peer, error) { return remote, nil }

		localRepo.On("GetAfterID", mock.Anything, int64(0), 0).
			Return([]model.LocalAssociationRow{}, nil)
		localRepo.On("GetAfterID", mock.Anything, int64(0), PushBatchSize).
			Return(makeRows(1, 1), nil)
		peerRepo.On("GetActivePeers", mock.Anything).
			Return([]model.Peer{{ServerName: "peer.example.com", Active: true}}, nil)
		peerRepo.On("SetLastSentVersion", mock.Anything, "peer.example.com", int64(1), mock.Anything).
			Return(nil)

		pusher.tick()
		remote.waitPush(t)

		// First push is still blocked; further ticks must not start another.
		pusher.tick()
		pusher.tick()
		select {
		case <-remote.pushed:
			t.Fatal("second push started while one was in flight")
		case <-time.After(50 * time.Millisecond):
		}

		close(remote.block)
	})

	t.Run("never pushes to itself", func(t *testing.T) {
		localRepo := new(mockLocalRepo)
		peerRepo := new(mockPeerRepo)
		pusher := newTestPusher(t, localRepo, peerRepo, new(mockGlobalRepo))

		constructed := false
		pusher.newRemotePeer = func(*model.Peer) (Peer, error) {
			constructed = true
			return newFakePeer("id.example.com"), nil
		}

		localRepo.On("GetAfterID", mock.Anything, int64(0), 0).
			Return([]model.LocalAssociationRow{}, nil)
		peerRepo.On("GetActivePeers", mock.Anything).
			Return([]model.Peer{{ServerName: "id.example.com", Active: true}}, nil)

		pusher.tick()
		time.Sleep(20 * time.Millisecond)
		assert.False(t, constructed, "pusher must skip its own server name")
	})
}
