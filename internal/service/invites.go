package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/openmx/identityd/internal/audit"
	apperrors "github.com/openmx/identityd/internal/errors"
	"github.com/openmx/identityd/internal/model"
	"github.com/openmx/identityd/internal/repository"
)

// InviteService stores room invites addressed to threepids that are not
// bound yet. The invite is attached to the association when the threepid is
// eventually bound.
type InviteService struct {
	inviteRepo repository.InviteRepository
	lookup     *LookupService
}

func NewInviteService(inviteRepo repository.InviteRepository, lookup *LookupService) *InviteService {
	return &InviteService{inviteRepo: inviteRepo, lookup: lookup}
}

// StoreInvite records a pending invite. A threepid that is already bound is
// rejected: the inviter should invite the mxid directly.
func (s *InviteService) StoreInvite(ctx context.Context, medium model.Medium, address, roomID, sender string) (*model.Invite, error) {
	address = model.NormaliseAddress(address, medium)

	bound, err := s.lookup.SingleLookup(ctx, medium, address)
	if err != nil {
		return nil, err
	}
	if bound != nil {
		return nil, apperrors.ThreepidInUse()
	}

	invite, err := s.inviteRepo.Create(ctx, model.CreateInviteParams{
		Medium:  medium,
		Address: address,
		RoomID:  roomID,
		Sender:  sender,
		Token:   uuid.NewString(),
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}

	audit.Log(ctx, audit.Event{
		Type:    audit.EventInviteStored,
		Details: map[string]any{"medium": string(medium), "room_id": roomID},
	})
	return invite, nil
}
