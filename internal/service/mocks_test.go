package service

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/mock"

	"github.com/openmx/identityd/internal/model"
	"github.com/openmx/identityd/internal/repository"
)

// Mock validation session repository
type mockSessionRepo struct {
	mock.Mock
}

func (m *mockSessionRepo) FindByID(ctx context.Context, id int64) (*model.ValidationSession, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ValidationSession), args.Error(1)
}

func (m *mockSessionRepo) FindByThreepid(ctx context.Context, medium model.Medium, address, clientSecret string) (*model.ValidationSession, error) {
	args := m.Called(ctx, medium, address, clientSecret)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ValidationSession), args.Error(1)
}

func (m *mockSessionRepo) Create(ctx context.Context, session *model.ValidationSession, token string) error {
	args := m.Called(ctx, session, token)
	return args.Error(0)
}

func (m *mockSessionRepo) TokenAuth(ctx context.Context, sessionID int64) (*model.TokenAuth, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TokenAuth), args.Error(1)
}

func (m *mockSessionRepo) SetValidated(ctx context.Context, sessionID int64, validated bool) error {
	args := m.Called(ctx, sessionID, validated)
	return args.Error(0)
}

func (m *mockSessionRepo) SetMtime(ctx context.Context, sessionID int64, mtime int64) error {
	args := m.Called(ctx, sessionID, mtime)
	return args.Error(0)
}

func (m *mockSessionRepo) SetSendAttemptNumber(ctx context.Context, sessionID int64, attempt int64) error {
	args := m.Called(ctx, sessionID, attempt)
	return args.Error(0)
}

func (m *mockSessionRepo) DeleteOlderThan(ctx context.Context, mtimeCutoff int64) (int64, error) {
	args := m.Called(ctx, mtimeCutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockSessionRepo) WithTx(tx *sqlx.Tx) repository.ValidationSessionRepository {
	return m
}

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

// Mock hashing repository
type mockHashingRepo struct {
	mock.Mock
}

func (m *mockHashingRepo) GetPepper(ctx context.Context) (*string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*string), args.Error(1)
}

func (m *mockHashingRepo) SetPepper(ctx context.Context, pepper string) error {
	args := m.Called(ctx, pepper)
	return args.Error(0)
}

func (m *mockHashingRepo) WithTx(tx *sqlx.Tx) repository.HashingRepository {
	return m
}

// Mock invite repository
type mockInviteRepo struct {
	mock.Mock
}

func (m *mockInviteRepo) Create(ctx context.Context, params model.CreateInviteParams) (*model.Invite, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Invite), args.Error(1)
}

func (m *mockInviteRepo) PendingForThreepid(ctx context.Context, medium model.Medium, address string) ([]model.Invite, error) {
	args := m.Called(ctx, medium, address)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Invite), args.Error(1)
}

func (m *mockInviteRepo) MarkSent(ctx context.Context, ids []int64, sentTs int64) error {
	args := m.Called(ctx, ids, sentTs)
	return args.Error(0)
}

func (m *mockInviteRepo) WithTx(tx *sqlx.Tx) repository.InviteRepository {
	return m
}

// Mock validation token sender
type mockSender struct {
	mock.Mock
}

func (m *mockSender) SendValidationMessage(ctx context.Context, medium model.Medium, address, token, nextLink string) error {
	args := m.Called(ctx, medium, address, token, nextLink)
	return args.Error(0)
}

// Mock local pusher
type mockLocalPusher struct {
	mock.Mock
}

func (m *mockLocalPusher) DoLocalPush(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Mock bind notifier
type mockBindNotifier struct {
	mock.Mock

	notified chan struct{}
}

func newMockBindNotifier() *mockBindNotifier {
	return &mockBindNotifier{notified: make(chan struct{}, 1)}
}

func (m *mockBindNotifier) NotifyBind(ctx context.Context, mxid string, medium, address string, signedAssoc map[string]any) error {
	args := m.Called(ctx, mxid, medium, address, signedAssoc)
	select {
	case m.notified <- struct{}{}:
	default:
	}
	return args.Error(0)
}

func (m *mockBindNotifier) waitNotified(timeout time.Duration) bool {
	select {
	case <-m.notified:
		return true
	case <-time.After(timeout):
		return false
	}
}
