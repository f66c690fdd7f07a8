package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openmx/identityd/internal/audit"
	apperrors "github.com/openmx/identityd/internal/errors"
	"github.com/openmx/identityd/internal/model"
	"github.com/openmx/identityd/internal/repository"
	"github.com/openmx/identityd/internal/signing"
)

// BindingLifetime is the validity window granted to a new binding.
const BindingLifetime = 10 * 365 * 24 * time.Hour

// LocalPusher applies pending local rows to the global table so a bind is
// visible to lookups before the HTTP response goes out.
type LocalPusher interface {
	DoLocalPush(ctx context.Context) error
}

// BindNotifier tells a homeserver that one of its users gained a binding.
type BindNotifier interface {
	NotifyBind(ctx context.Context, mxid string, medium, address string, signedAssoc map[string]any) error
}

// Binder turns a validated ownership proof into a signed, replicated
// association, and revokes bindings with tombstones.
type Binder struct {
	signer     *signing.Signer
	localRepo  repository.LocalAssociationRepository
	globalRepo repository.GlobalAssociationRepository
	inviteRepo repository.InviteRepository
	sessions   *SessionService
	hashing    *HashingService
	pusher     LocalPusher
	notifier   BindNotifier
}

func NewBinder(
	signer *signing.Signer,
	localRepo repository.LocalAssociationRepository,
	globalRepo repository.GlobalAssociationRepository,
	inviteRepo repository.InviteRepository,
	sessions *SessionService,
	hashing *HashingService,
	pusher LocalPusher,
	notifier BindNotifier,
) *Binder {
	return &Binder{
		signer:     signer,
		localRepo:  localRepo,
		globalRepo: globalRepo,
		inviteRepo: inviteRepo,
		sessions:   sessions,
		hashing:    hashing,
		pusher:     pusher,
		notifier:   notifier,
	}
}

// Bind associates the session's threepid with mxid. The local table is
// updated and synchronously copied to the global table before returning, so
// the caller's next lookup sees the binding; remote peers learn of it on
// the next pusher tick.
func (b *Binder) Bind(ctx context.Context, sid int64, clientSecret, mxid string) (map[string]any, error) {
	session, err := b.sessions.GetValidatedSession(ctx, sid, clientSecret)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	assoc := &model.ThreepidAssociation{
		Medium:    session.Medium,
		Address:   session.Address,
		Mxid:      &mxid,
		Ts:        now,
		NotBefore: now,
		NotAfter:  now + BindingLifetime.Milliseconds(),
	}

	hash, err := b.hashing.HashForThreepid(ctx, assoc.Medium, assoc.Address)
	if err != nil {
		return nil, apperrors.Internal("could not compute lookup hash").WithCause(err)
	}
	assoc.LookupHash = &hash

	if _, err := b.localRepo.Upsert(ctx, assoc); err != nil {
		return nil, apperrors.Database(err)
	}

	if err := b.pusher.DoLocalPush(ctx); err != nil {
		return nil, apperrors.Internal("binding stored but local push failed").WithCause(err)
	}

	invites, err := b.inviteRepo.PendingForThreepid(ctx, assoc.Medium, assoc.Address)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if len(invites) > 0 {
		assoc.ExtraFields = map[string]any{"invites": invitePayloads(invites)}
	}

	signed, err := assoc.SignedPayload(b.signer)
	if err != nil {
		return nil, apperrors.Internal("could not sign association").WithCause(err)
	}

	audit.Log(ctx, audit.Event{
		Type: audit.EventBind,
		Mxid: mxid,
		Details: map[string]any{
			"medium":  string(assoc.Medium),
			"invites": len(invites),
		},
	})

	go b.notifyHomeserver(mxid, assoc, signed, invites)

	return signed, nil
}

// Unbind revokes the binding of (medium, address) to mxid by writing a
// tombstone. Unbinding a threepid that is not bound is a silent success;
// unbinding with the wrong mxid is not.
func (b *Binder) Unbind(ctx context.Context, medium model.Medium, address, mxid string) error {
	address = model.NormaliseAddress(address, medium)

	removed, err := b.localRepo.RemoveAssociation(ctx, medium, address, mxid)
	if err != nil {
		return apperrors.Database(err)
	}

	if !removed {
		current, err := b.globalRepo.GetMxid(ctx, medium, address)
		if err != nil {
			return apperrors.Database(err)
		}
		if current != nil && *current != mxid {
			return apperrors.NotFound("binding between this threepid and mxid")
		}
		// Already unbound: idempotent no-op.
		return nil
	}

	if err := b.pusher.DoLocalPush(ctx); err != nil {
		return apperrors.Internal("tombstone stored but local push failed").WithCause(err)
	}

	audit.Log(ctx, audit.Event{
		Type:    audit.EventUnbind,
		Mxid:    mxid,
		Details: map[string]any{"medium": string(medium)},
	})
	return nil
}

func (b *Binder) notifyHomeserver(mxid string, assoc *model.ThreepidAssociation, signed map[string]any, invites []model.Invite) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()

	if err := b.notifier.NotifyBind(ctx, mxid, string(assoc.Medium), assoc.Address, signed); err != nil {
		log.Warn().Str("mxid", mxid).Err(err).Msg("bind notification abandoned")
		return
	}

	if len(invites) == 0 {
		return
	}
	ids := make([]int64, len(invites))
	for i, invite := range invites {
		ids[i] = invite.ID
	}
	if err := b.inviteRepo.MarkSent(ctx, ids, time.Now().UnixMilli()); err != nil {
		log.Error().Err(err).Msg("failed to mark invites sent")
	}
}

func invitePayloads(invites []model.Invite) []map[string]any {
	payloads := make([]map[string]any, len(invites))
	for i, invite := range invites {
		payloads[i] = map[string]any{
			"medium":  string(invite.Medium),
			"address": invite.Address,
			"room_id": invite.RoomID,
			"sender":  invite.Sender,
			"token":   invite.Token,
		}
	}
	return payloads
}
