package domain

import "time"

type OperationKind string

const (
	OperationInsert  OperationKind = "insert"
	OperationDelete  OperationKind = "delete"
	OperationReplace OperationKind = "replace"
)

// CodeOperation is an atomic edit event broadcast to the room. Applying it
// to document content is the document model's job; this subsystem only
// carries the envelope.
type CodeOperation struct {
	ID        string        `json:"id"`
	UserID    string        `json:"userId"`
	Kind      OperationKind `json:"kind"`
	Position  int           `json:"position"`
	Text      string        `json:"text,omitempty"`
	Length    int           `json:"length,omitempty"`
	Version   int64         `json:"version,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
