package domain

import "time"

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeCode   MessageType = "code"
	MessageTypeSystem MessageType = "system"
)

type ChatMessage struct {
	ID           string      `json:"id"`
	SenderID     string      `json:"senderId"`
	Content      string      `json:"content"`
	Type         MessageType `json:"type"`
	CodeLanguage string      `json:"codeLanguage,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
}
