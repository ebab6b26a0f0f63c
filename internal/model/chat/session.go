package chat

import "time"

// Session captures one isolated conversation. The identifier is chosen by
// the client, one per page load, so a fresh id is always a fresh session.
type Session struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}
