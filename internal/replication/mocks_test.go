package replication

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/mock"

	"github.com/openmx/identityd/internal/model"
	"github.com/openmx/identityd/internal/repository"
)

// Mock local association repository
type mockLocalRepo struct {
	mock.Mock
}

func (m *mockLocalRepo) Upsert(ctx context.Context, assoc *model.ThreepidAssociation) (int64, error) {
	args := m.Called(ctx, assoc)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockLocalRepo) GetAfterID(ctx context.Context, cursor int64, limit int) ([]model.LocalAssociationRow, error) {
	args := m.Called(ctx, cursor, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.LocalAssociationRow), args.Error(1)
}

func (m *mockLocalRepo) RemoveAssociation(ctx context.Context, medium model.Medium, address, mxid string) (bool, error) {
	args := m.Called(ctx, medium, address, mxid)
	return args.Bool(0), args.Error(1)
}

func (m *mockLocalRepo) RehashBatch(ctx context.Context, cursor int64, limit int) ([]model.LocalAssociationRow, error) {
	args := m.Called(ctx, cursor, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.LocalAssociationRow), args.Error(1)
}

func (m *mockLocalRepo) SetLookupHash(ctx context.Context, id int64, hash string) error {
	args := m.Called(ctx, id, hash)
	return args.Error(0)
}

func (m *mockLocalRepo) WithTx(tx *sqlx.Tx) repository.LocalAssociationRepository {
	return m
}

// Mock global association repository
type mockGlobalRepo struct {
	mock.Mock
}

func (m *mockGlobalRepo) AddAssociation(ctx context.Context, assoc *model.ThreepidAssociation, rawSignedJSON, originServer string, originID int64) (bool, error) {
	args := m.Called(ctx, assoc, rawSignedJSON, originServer, originID)
	return args.Bool(0), args.Error(1)
}

func (m *mockGlobalRepo) RemoveAssociation(ctx context.Context, medium model.Medium, address string) error {
	args := m.Called(ctx, medium, address)
	return args.Error(0)
}

func (m *mockGlobalRepo) GetMxid(ctx context.Context, medium model.Medium, address string) (*string, error) {
	args := m.Called(ctx, medium, address)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*string), args.Error(1)
}

func (m *mockGlobalRepo) GetMxids(ctx context.Context, tuples []repository.ThreepidTuple) ([]repository.BoundMxid, error) {
	args := m.Called(ctx, tuples)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]repository.BoundMxid), args.Error(1)
}

func (m *mockGlobalRepo) RetrieveMxidsForHashes(ctx context.Context, hashes []string) (map[string]string, error) {
	args := m.Called(ctx, hashes)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]string), args.Error(1)
}

func (m *mockGlobalRepo) LastIDFromServer(ctx context.Context, server string) (*int64, error) {
	args := m.Called(ctx, server)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*int64), args.Error(1)
}

func (m *mockGlobalRepo) RehashBatch(ctx context.Context, cursor int64, limit int) ([]model.GlobalAssociationRow, error) {
	args := m.Called(ctx, cursor, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.GlobalAssociationRow), args.Error(1)
}

func (m *mockGlobalRepo) SetLookupHash(ctx context.Context, id int64, hash string) error {
	args := m.Called(ctx, id, hash)
	return args.Error(0)
}

func (m *mockGlobalRepo) WithTx(tx *sqlx.Tx) repository.GlobalAssociationRepository {
	return m
}

// Mock peer repository
type mockPeerRepo struct {
	mock.Mock
}

func (m *mockPeerRepo) GetPeer(ctx context.Context, serverName string) (*model.Peer, error) {
	args := m.Called(ctx, serverName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Peer), args.Error(1)
}

func (m *mockPeerRepo) GetActivePeers(ctx context.Context) ([]model.Peer, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Peer), args.Error(1)
}

func (m *mockPeerRepo) SetLastSentVersion(ctx context.Context, serverName string, version int64, pushedAt time.Time) error {
	args := m.Called(ctx, serverName, version, pushedAt)
	return args.Error(0)
}

func (m *mockPeerRepo) WithTx(tx *sqlx.Tx) repository.PeerRepository {
	return m
}

// stubHasher hashes without a pepper store behind it.
type stubHasher struct{}

func (stubHasher) HashForThreepid(ctx context.Context, medium model.Medium, address string) (string, error) {
	return "hash:" + string(medium) + ":" + address, nil
}
