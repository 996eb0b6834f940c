package gateway

import (
	"context"
	"time"
)

// InboundMessage is a user message arriving from a chat platform.
type InboundMessage struct {
	Platform  string
	ChannelID string
	UserID    string
	UserName  string
	Content   string
	Timestamp time.Time
}

// OutboundMessage is a notification posted back to a platform channel.
type OutboundMessage struct {
	Platform  string
	ChannelID string
	Content   string
}

// MessageHandler receives every inbound message from an adapter.
type MessageHandler func(msg *InboundMessage)

// Adapter is one chat platform connection.
type Adapter interface {
	Platform() string
	OnMessage(h MessageHandler)
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg *OutboundMessage) error
	Close() error
}
