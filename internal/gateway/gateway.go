package gateway

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/copperline/foundry/internal/event"
)

// Gateway bridges chat platforms into the event pipeline: every inbound
// message becomes a user_prompt event for the repository bound to its
// channel. Channels without a binding are ignored.
type Gateway struct {
	adapters map[string]Adapter
	bindings map[string]string // platform:channelID -> repositoryID
	matcher  *event.Matcher
	mu       sync.RWMutex
	logger   *zap.Logger
}

// New creates a gateway over the matcher.
func New(matcher *event.Matcher, logger *zap.Logger) *Gateway {
	return &Gateway{
		adapters: make(map[string]Adapter),
		bindings: make(map[string]string),
		matcher:  matcher,
		logger:   logger,
	}
}

// Bind routes a platform channel's messages to a repository.
func (g *Gateway) Bind(platform, channelID, repositoryID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bindings[platform+":"+channelID] = repositoryID
}

// Register adds an adapter and wires its message handler.
func (g *Gateway) Register(adapter Adapter) {
	g.mu.Lock()
	defer g.mu.Unlock()

	platform := adapter.Platform()
	g.adapters[platform] = adapter
	adapter.OnMessage(g.handleInbound)
	g.logger.Info("registered gateway adapter", zap.String("platform", platform))
}

// handleInbound converts a chat message to a user_prompt event. The
// session key ties follow-up prompts in the same channel together.
func (g *Gateway) handleInbound(msg *InboundMessage) {
	g.mu.RLock()
	repoID, ok := g.bindings[msg.Platform+":"+msg.ChannelID]
	g.mu.RUnlock()
	if !ok {
		return
	}

	sessionID := fmt.Sprintf("%s:%s:%s", msg.Platform, msg.ChannelID, msg.UserID)
	ev := event.NewUserPrompt(repoID, sessionID, msg.Content)
	if _, err := g.matcher.Dispatch(context.Background(), ev); err != nil {
		g.logger.Error("prompt dispatch failed",
			zap.String("platform", msg.Platform),
			zap.String("channel", msg.ChannelID),
			zap.Error(err))
	}
}

// ConnectAll starts all registered adapters.
func (g *Gateway) ConnectAll(ctx context.Context) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for platform, adapter := range g.adapters {
		if err := adapter.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", platform, err)
		}
		g.logger.Info("adapter connected", zap.String("platform", platform))
	}
	return nil
}

// Send posts a notification to a platform channel.
func (g *Gateway) Send(ctx context.Context, msg *OutboundMessage) error {
	g.mu.RLock()
	adapter, ok := g.adapters[msg.Platform]
	g.mu.RUnlock()

	if !ok {
		return fmt.Errorf("no adapter for platform: %s", msg.Platform)
	}
	return adapter.Send(ctx, msg)
}

// Close shuts down all adapters.
func (g *Gateway) Close() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for platform, adapter := range g.adapters {
		if err := adapter.Close(); err != nil {
			g.logger.Error("adapter close failed",
				zap.String("platform", platform), zap.Error(err))
		}
	}
	return nil
}
