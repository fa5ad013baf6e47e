package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Session holds the durable token pair for a logged-in user. Tokens are
// opaque to the engine apart from the access token's exp claim; the refresh
// token is single-use and rotated on every refresh.
type Session struct {
	bun.BaseModel `bun:"table:sessions,alias:s"`

	UserID       string    `bun:",pk" json:"user_id"`
	AccessToken  string    `bun:",nullzero" json:"-"`
	RefreshToken string    `bun:",nullzero" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TokenPair is the in-memory form of a session's credentials.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}
