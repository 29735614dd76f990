// internal/domain/livestream.go
package domain

import "time"

// StreamRef is the payload of livestream:join and livestream:leave.
type StreamRef struct {
	StreamID string `json:"streamId"`
}

// ViewerCount is the payload of livestream:viewers.
type ViewerCount struct {
	StreamID string `json:"streamId"`
	Viewers  int    `json:"viewers"`
	Delta    int    `json:"delta"`
}

// LivestreamStatus is the payload of livestream:status.
type LivestreamStatus struct {
	StreamID string `json:"streamId"`
	Live     bool   `json:"live"`
}

// ChatMessage is the payload of message:new. Only the fields the realtime
// layer needs are carried; the rest lives behind the REST API.
type ChatMessage struct {
	MessageID string    `json:"messageId"`
	ChatID    string    `json:"chatId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Notification is the payload of notification:new.
type Notification struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	Kind   string `json:"kind"`
	Title  string `json:"title,omitempty"`
	Body   string `json:"body,omitempty"`
}
