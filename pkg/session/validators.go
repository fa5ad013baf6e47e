package session

// Payloads for the session endpoints.
type LoginPayload struct {
	UserID       string `json:"user_id" validate:"required"`
	AccessToken  string `json:"access_token" validate:"required"`
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type LogoutPayload struct {
	UserID string `json:"user_id" validate:"required"`
}
