package service

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openmx/identityd/internal/errors"
	"github.com/openmx/identityd/internal/model"
	"github.com/openmx/identityd/internal/signing"
)

type binderFixture struct {
	binder    *Binder
	sessions  *mockSessionRepo
	local     *mockLocalRepo
	global    *mockGlobalRepo
	invites   *mockInviteRepo
	hashing   *mockHashingRepo
	pusher    *mockLocalPusher
	notifier  *mockBindNotifier
	verifyKey ed25519.PublicKey
}

func newBinderFixture(t *testing.T) *binderFixture {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer := signing.NewSigner("id.example.com", "0", priv)

	f := &binderFixture{
		sessions:  new(mockSessionRepo),
		local:     new(mockLocalRepo),
		global:    new(mockGlobalRepo),
		invites:   new(mockInviteRepo),
		hashing:   new(mockHashingRepo),
		pusher:    new(mockLocalPusher),
		notifier:  newMockBindNotifier(),
		verifyKey: pub,
	}

	hashingService := NewHashingService(nil, f.hashing, f.local, f.global, nil)
	sessionService := NewSessionService(f.sessions, new(mockSender))
	f.binder = NewBinder(
		signer, f.local, f.global, f.invites,
		sessionService, hashingService, f.pusher, f.notifier,
	)
	return f
}

func TestBind(t *testing.T) {
	ctx := context.Background()
	pepper := "matrixrocks"

	t.Run("binds a validated session and returns a signed association", func(t *testing.T) {
		f := newBinderFixture(t)

		f.sessions.On("FindByID", ctx, int64(9)).Return(freshSession(9, true), nil)
		f.hashing.On("GetPepper", ctx).Return(&pepper, nil)
		f.local.On("Upsert", ctx, mock.AnythingOfType("*model.ThreepidAssociation")).
			Return(int64(1), nil)
		f.pusher.On("DoLocalPush", ctx).Return(nil)
		f.invites.On("PendingForThreepid", ctx, model.MediumEmail, "alice@example.com").
			Return([]model.Invite{}, nil)
		f.notifier.On("NotifyBind", mock.Anything, "@alice:example.com", "email",
			"alice@example.com", mock.Anything).Return(nil)

		signed, err := f.binder.Bind(ctx, 9, "secret123", "@alice:example.com")
		require.NoError(t, err)

		assert.Equal(t, "email", signed["medium"])
		assert.Equal(t, "alice@example.com", signed["address"])
		assert.Equal(t, "@alice:example.com", signed["mxid"])
		assert.NotContains(t, signed, "lookup_hash")
		require.NoError(t, signing.Verify(signed, "id.example.com", f.verifyKey))

		assert.True(t, f.notifier.waitNotified(time.Second), "homeserver should be notified")
		f.pusher.AssertExpectations(t)
	})

	t.Run("attaches pending invites and marks them sent after notification", func(t *testing.T) {
		f := newBinderFixture(t)

		pending := []model.Invite{
			{ID: 3, Medium: model.MediumEmail, Address: "alice@example.com",
				RoomID: "!room:example.com", Sender: "@bob:example.com", Token: "invtok"},
		}
		f.sessions.On("FindByID", ctx, int64(9)).Return(freshSession(9, true), nil)
		f.hashing.On("GetPepper", ctx).Return(&pepper, nil)
		f.local.On("Upsert", ctx, mock.AnythingOfType("*model.ThreepidAssociation")).
			Return(int64(1), nil)
		f.pusher.On("DoLocalPush", ctx).Return(nil)
		f.invites.On("PendingForThreepid", ctx, model.MediumEmail, "alice@example.com").
			Return(pending, nil)
		f.notifier.On("NotifyBind", mock.Anything, "@alice:example.com", "email",
			"alice@example.com", mock.Anything).Return(nil)

		markSent := make(chan struct{})
		f.invites.On("MarkSent", mock.Anything, []int64{3}, mock.AnythingOfType("int64")).
			Run(func(mock.Arguments) { close(markSent) }).
			Return(nil)

		signed, err := f.binder.Bind(ctx, 9, "secret123", "@alice:example.com")
		require.NoError(t, err)

		attached, ok := signed["invites"].([]map[string]any)
		require.True(t, ok)
		require.Len(t, attached, 1)
		assert.Equal(t, "!room:example.com", attached[0]["room_id"])

		select {
		case <-markSent:
		case <-time.After(time.Second):
			t.Fatal("invites were not marked sent")
		}
	})

	t.Run("refuses to bind an unvalidated session", func(t *testing.T) {
		f := newBinderFixture(t)

		f.sessions.On("FindByID", ctx, int64(9)).Return(freshSession(9, false), nil)

		_, err := f.binder.Bind(ctx, 9, "secret123", "@alice:example.com")
		assert.Equal(t, apperrors.ErrCodeSessionNotValidated, apperrors.GetCode(err))
		f.local.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
	})

	t.Run("does not return before the local push lands", func(t *testing.T) {
		f := newBinderFixture(t)

		f.sessions.On("FindByID", ctx, int64(9)).Return(freshSession(9, true), nil)
		f.hashing.On("GetPepper", ctx).Return(&pepper, nil)
		f.local.On("Upsert", ctx, mock.AnythingOfType("*model.ThreepidAssociation")).
			Return(int64(1), nil)
		f.pusher.On("DoLocalPush", ctx).Return(assert.AnError)

		_, err := f.binder.Bind(ctx, 9, "secret123", "@alice:example.com")
		assert.Error(t, err)
		f.invites.AssertNotCalled(t, "PendingForThreepid", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestUnbind(t *testing.T) {
	ctx := context.Background()

	t.Run("writes tombstone and pushes locally", func(t *testing.T) {
		f := newBinderFixture(t)

		f.local.On("RemoveAssociation", ctx, model.MediumEmail, "alice@example.com", "@alice:example.com").
			Return(true, nil)
		f.pusher.On("DoLocalPush", ctx).Return(nil)

		err := f.binder.Unbind(ctx, model.MediumEmail, "alice@example.com", "@alice:example.com")
		require.NoError(t, err)
		f.pusher.AssertExpectations(t)
	})

	t.Run("unbinding an unbound threepid succeeds silently", func(t *testing.T) {
		f := newBinderFixture(t)

		f.local.On("RemoveAssociation", ctx, model.MediumEmail, "alice@example.com", "@alice:example.com").
			Return(false, nil)
		f.global.On("GetMxid", ctx, model.MediumEmail, "alice@example.com").
			Return(nil, nil)

		err := f.binder.Unbind(ctx, model.MediumEmail, "alice@example.com", "@alice:example.com")
		require.NoError(t, err)
		f.pusher.AssertNotCalled(t, "DoLocalPush", mock.Anything)
	})

	t.Run("unbinding with the wrong mxid is rejected", func(t *testing.T) {
		f := newBinderFixture(t)

		bound := "@someone-else:example.com"
		f.local.On("RemoveAssociation", ctx, model.MediumEmail, "alice@example.com", "@alice:example.com").
			Return(false, nil)
		f.global.On("GetMxid", ctx, model.MediumEmail, "alice@example.com").
			Return(&bound, nil)

		err := f.binder.Unbind(ctx, model.MediumEmail, "alice@example.com", "@alice:example.com")
		assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
	})

	t.Run("address is normalised before removal", func(t *testing.T) {
		f := newBinderFixture(t)

		f.local.On("RemoveAssociation", ctx, model.MediumEmail, "alice@example.com", "@alice:example.com").
			Return(true, nil)
		f.pusher.On("DoLocalPush", ctx).Return(nil)

		err := f.binder.Unbind(ctx, model.MediumEmail, "ALICE@EXAMPLE.COM", "@alice:example.com")
		require.NoError(t, err)
		f.local.AssertExpectations(t)
	})
}
