package model

// ValidationSession tracks one in-progress proof of threepid ownership.
// IDs are random 31-bit integers rather than sequential so session counts
// cannot be inferred and ids cannot be guessed.
type ValidationSession struct {
	ID           int64  `db:"id"`
	Medium       Medium `db:"medium"`
	Address      string `db:"address"`
	ClientSecret string `db:"client_secret"`
	Validated    bool   `db:"validated"`
	Mtime        int64  `db:"mtime"`
}

// TokenAuth is the 1:1 companion row holding a session's verification token
// and the monotonic resend de-dup counter.
type TokenAuth struct {
	SessionID         int64  `db:"validation_session_id"`
	Token             string `db:"token"`
	SendAttemptNumber int64  `db:"send_attempt_number"`
}

// Invite is a pending room invite issued to a threepid that has no binding
// yet. When the threepid is later bound, pending invites are attached to
// the signed association and the inviting homeserver is notified.
type Invite struct {
	ID         int64  `db:"id"`
	Medium     Medium `db:"medium"`
	Address    string `db:"address"`
	RoomID     string `db:"room_id"`
	Sender     string `db:"sender"`
	Token      string `db:"token"`
	SentTs     *int64 `db:"sent_ts"`
}

// CreateInviteParams carries the fields of a new pending invite.
type CreateInviteParams struct {
	Medium  Medium
	Address string
	RoomID  string
	Sender  string
	Token   string
}
