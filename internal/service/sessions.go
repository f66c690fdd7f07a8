package service

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openmx/identityd/internal/errors"
	"github.com/openmx/identityd/internal/model"
	"github.com/openmx/identityd/internal/repository"
	"github.com/openmx/identityd/internal/sender"
	"github.com/openmx/identityd/internal/util"
)

const (
	// SessionValidationTimeout is how long a client has to submit the token
	// after it was sent.
	SessionValidationTimeout = 24 * time.Hour
	// SessionValidLifetime is how long a validated session authorizes a
	// bind. Deliberately a separate window from the pre-validation timeout.
	SessionValidLifetime = 24 * time.Hour

	emailTokenLength  = 32
	msisdnTokenLength = 6

	sessionIDAttempts = 5
)

// SessionService drives the threepid ownership-proof state machine:
// a session is created unvalidated, the out-of-band token validates it,
// and a validated unexpired session authorizes a bind.
type SessionService struct {
	repo   repository.ValidationSessionRepository
	sender sender.Sender
}

func NewSessionService(repo repository.ValidationSessionRepository, snd sender.Sender) *SessionService {
	return &SessionService{repo: repo, sender: snd}
}

// GetOrCreate returns the existing session exactly matching
// (medium, address, clientSecret) or creates a fresh one with a random id
// and a medium-appropriate token.
func (s *SessionService) GetOrCreate(ctx context.Context, medium model.Medium, address, clientSecret string) (*model.ValidationSession, error) {
	address = model.NormaliseAddress(address, medium)

	existing, err := s.repo.FindByThreepid(ctx, medium, address, clientSecret)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if existing != nil {
		return existing, nil
	}

	token, err := generateToken(medium)
	if err != nil {
		return nil, apperrors.Internal("could not generate validation token").WithCause(err)
	}

	// Random ids can collide; retry a bounded number of times.
	for attempt := 0; attempt < sessionIDAttempts; attempt++ {
		id, err := util.GenerateSessionID()
		if err != nil {
			return nil, apperrors.Internal("could not generate session id").WithCause(err)
		}

		session := &model.ValidationSession{
			ID:           id,
			Medium:       medium,
			Address:      address,
			ClientSecret: clientSecret,
			Validated:    false,
			Mtime:        time.Now().UnixMilli(),
		}
		if err := s.repo.Create(ctx, session, token); err != nil {
			if attempt < sessionIDAttempts-1 {
				continue
			}
			return nil, apperrors.Database(err)
		}

		log.Info().
			Int64("sid", id).
			Str("medium", string(medium)).
			Msg("created validation session")
		return session, nil
	}
	return nil, apperrors.Internal("could not allocate a session id")
}

// RequestToken starts or refreshes a validation, sending the token over the
// medium's out-of-band channel. A sendAttempt no greater than the last seen
// one suppresses the re-send and only returns the session id, so client
// retries do not spam the user.
func (s *SessionService) RequestToken(ctx context.Context, medium model.Medium, address, clientSecret string, sendAttempt int64, nextLink string) (int64, error) {
	session, err := s.GetOrCreate(ctx, medium, address, clientSecret)
	if err != nil {
		return 0, err
	}

	auth, err := s.repo.TokenAuth(ctx, session.ID)
	if err != nil {
		return 0, apperrors.Database(err)
	}
	if auth == nil {
		return 0, apperrors.Internal("session has no token")
	}

	if sendAttempt <= auth.SendAttemptNumber {
		log.Debug().
			Int64("sid", session.ID).
			Int64("sendAttempt", sendAttempt).
			Msg("suppressing duplicate validation send")
		return session.ID, nil
	}

	if err := s.sender.SendValidationMessage(ctx, medium, session.Address, auth.Token, nextLink); err != nil {
		return 0, apperrors.External("validation sender", err)
	}

	if err := s.repo.SetSendAttemptNumber(ctx, session.ID, sendAttempt); err != nil {
		return 0, apperrors.Database(err)
	}
	if err := s.repo.SetMtime(ctx, session.ID, time.Now().UnixMilli()); err != nil {
		return 0, apperrors.Database(err)
	}

	return session.ID, nil
}

// ValidateWithToken moves a session to validated when sid, clientSecret and
// token all match and the session has not timed out. Each failure mode maps
// to its own error code and nothing else; the prose never hints which field
// was closest.
func (s *SessionService) ValidateWithToken(ctx context.Context, sid int64, clientSecret, token string) error {
	session, err := s.repo.FindByID(ctx, sid)
	if err != nil {
		return apperrors.Database(err)
	}
	if session == nil {
		return apperrors.InvalidSessionID()
	}

	if subtle.ConstantTimeCompare([]byte(session.ClientSecret), []byte(clientSecret)) != 1 {
		return apperrors.IncorrectClientSecret()
	}

	if sessionExpired(session.Mtime, SessionValidationTimeout) {
		return apperrors.SessionExpired()
	}

	auth, err := s.repo.TokenAuth(ctx, sid)
	if err != nil {
		return apperrors.Database(err)
	}
	if auth == nil || subtle.ConstantTimeCompare([]byte(auth.Token), []byte(token)) != 1 {
		return apperrors.IncorrectSessionToken()
	}

	if err := s.repo.SetValidated(ctx, sid, true); err != nil {
		return apperrors.Database(err)
	}
	if err := s.repo.SetMtime(ctx, sid, time.Now().UnixMilli()); err != nil {
		return apperrors.Database(err)
	}

	log.Info().Int64("sid", sid).Msg("validation session completed")
	return nil
}

// GetValidatedSession is the bind-time re-check: the session must exist,
// carry the right secret, be validated already, and still be inside the
// post-validation lifetime window.
func (s *SessionService) GetValidatedSession(ctx context.Context, sid int64, clientSecret string) (*model.ValidationSession, error) {
	session, err := s.repo.FindByID(ctx, sid)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.InvalidSessionID()
	}

	if subtle.ConstantTimeCompare([]byte(session.ClientSecret), []byte(clientSecret)) != 1 {
		return nil, apperrors.IncorrectClientSecret()
	}

	if !session.Validated {
		return nil, apperrors.SessionNotValidated()
	}

	if sessionExpired(session.Mtime, SessionValidLifetime) {
		return nil, apperrors.SessionExpired()
	}

	return session, nil
}

func sessionExpired(mtime int64, window time.Duration) bool {
	return mtime+window.Milliseconds() < time.Now().UnixMilli()
}

func generateToken(medium model.Medium) (string, error) {
	if medium == model.MediumMsisdn {
		// Typed by hand from an SMS, so short and numeric.
		return util.GenerateNumericToken(msisdnTokenLength)
	}
	return util.GenerateAlphanumericToken(emailTokenLength)
}
