package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/openmx/identityd/internal/model"
)

// ValidationSessionRepository stores threepid ownership-proof sessions and
// their 1:1 token-auth rows.
type ValidationSessionRepository interface {
	FindByID(ctx context.Context, id int64) (*model.ValidationSession, error)
	// FindByThreepid returns the session exactly matching
	// (medium, address, clientSecret), or nil.
	FindByThreepid(ctx context.Context, medium model.Medium, address, clientSecret string) (*model.ValidationSession, error)
	// Create inserts a session and its token-auth row together.
	Create(ctx context.Context, session *model.ValidationSession, token string) error
	TokenAuth(ctx context.Context, sessionID int64) (*model.TokenAuth, error)
	SetValidated(ctx context.Context, sessionID int64, validated bool) error
	SetMtime(ctx context.Context, sessionID int64, mtime int64) error
	SetSendAttemptNumber(ctx context.Context, sessionID int64, attempt int64) error
	// DeleteOlderThan removes sessions last touched before the cutoff,
	// cascading to their token-auth rows. Returns the number removed.
	DeleteOlderThan(ctx context.Context, mtimeCutoff int64) (int64, error)
	WithTx(tx *sqlx.Tx) ValidationSessionRepository
}

type validationSessionRepo struct {
	db repoDB
}

func NewValidationSessionRepository(db *sqlx.DB) ValidationSessionRepository {
	return &validationSessionRepo{db: db}
}

func (r *validationSessionRepo) WithTx(tx *sqlx.Tx) ValidationSessionRepository {
	return &validationSessionRepo{db: tx}
}

func (r *validationSessionRepo) FindByID(ctx context.Context, id int64) (*model.ValidationSession, error) {
	var session model.ValidationSession
	err := r.db.GetContext(ctx, &session, `
		SELECT id, medium, address, client_secret, validated, mtime
		FROM threepid_validation_sessions WHERE id = $1
	`, id)
	return HandleNotFound(&session, err)
}

func (r *validationSessionRepo) FindByThreepid(ctx context.Context, medium model.Medium, address, clientSecret string) (*model.ValidationSession, error) {
	var session model.ValidationSession
	err := r.db.GetContext(ctx, &session, `
		SELECT id, medium, address, client_secret, validated, mtime
		FROM threepid_validation_sessions
		WHERE medium = $1 AND address = $2 AND client_secret = $3
	`, medium, address, clientSecret)
	return HandleNotFound(&session, err)
}

func (r *validationSessionRepo) Create(ctx context.Context, session *model.ValidationSession, token string) error {
	_, err := r.db.ExecContext(ctx, `
		WITH new_session AS (
			INSERT INTO threepid_validation_sessions
				(id, medium, address, client_secret, validated, mtime)
			VALUES ($1, $2, $3, $4, FALSE, $5)
		)
		INSERT INTO threepid_token_auths (validation_session_id, token, send_attempt_number)
		VALUES ($1, $6, -1)
	`, session.ID, session.Medium, session.Address, session.ClientSecret, session.Mtime, token)
	return err
}

func (r *validationSessionRepo) TokenAuth(ctx context.Context, sessionID int64) (*model.TokenAuth, error) {
	var auth model.TokenAuth
	err := r.db.GetContext(ctx, &auth, `
		SELECT validation_session_id, token, send_attempt_number
		FROM threepid_token_auths WHERE validation_session_id = $1
	`, sessionID)
	return HandleNotFound(&auth, err)
}

func (r *validationSessionRepo) SetValidated(ctx context.Context, sessionID int64, validated bool) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE threepid_validation_sessions SET validated = $2 WHERE id = $1
	`, sessionID, validated)
	return err
}

func (r *validationSessionRepo) SetMtime(ctx context.Context, sessionID int64, mtime int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE threepid_validation_sessions SET mtime = $2 WHERE id = $1
	`, sessionID, mtime)
	return err
}

func (r *validationSessionRepo) SetSendAttemptNumber(ctx context.Context, sessionID int64, attempt int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE threepid_token_auths SET send_attempt_number = $2
		WHERE validation_session_id = $1
	`, sessionID, attempt)
	return err
}

func (r *validationSessionRepo) DeleteOlderThan(ctx context.Context, mtimeCutoff int64) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM threepid_validation_sessions WHERE mtime < $1
	`, mtimeCutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
