// Package streaming is the pub/sub layer that carries live run messages to
// subscribers such as the SSE endpoint and the MCP server.
package streaming

import "context"

// Message is one published item. Channel scopes it (for example
// "workflow/debug/<run id>"), Topic names its kind within the channel.
// Final marks the last message of a stream; hubs must not drop it.
type Message struct {
	Channel string `json:"channel"`
	Topic   string `json:"topic"`
	Data    any    `json:"data,omitempty"`
	Final   bool   `json:"final,omitempty"`
}

// Filter selects the messages a subscriber receives. Empty fields match all.
type Filter struct {
	Channel string   `json:"channel,omitempty"`
	Topics  []string `json:"topics,omitempty"`
}

// Hub provides pub/sub for live run messages.
type Hub interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe returns a receive channel and a cancel func. The channel is
	// closed by cancel or when ctx is done.
	Subscribe(ctx context.Context, filter Filter) (<-chan Message, func(), error)
}
