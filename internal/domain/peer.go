package domain

import "time"

// Position is a zero-based location in the shared document.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Identity is the local user as supplied by the identity provider.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
}

// Peer is one remote participant in a room. At most one record exists per
// user id; updates mutate in place rather than duplicating.
type Peer struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Color       string    `json:"color"`
	Cursor      *Position `json:"cursor,omitempty"`
	Selection   *Range    `json:"selection,omitempty"`
	IsTyping    bool      `json:"isTyping,omitempty"`
	LastActive  time.Time `json:"lastActive"`
}
