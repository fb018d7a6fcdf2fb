// ABOUTME: Transport contract shared by agent transports: raw events in, actions out
// ABOUTME: Defines Channel, RawEvent, Action and the Transport interface

package transport

import (
	"context"
	"errors"
	"strings"
)

// Channel is where a message travelled: the public gossip room or a direct message.
type Channel string

const (
	ChannelGossip Channel = "gossip"
	ChannelDM     Channel = "dm"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelGossip || c == ChannelDM
}

// ErrNoRoute is returned by Send when an action has no room to go to.
var ErrNoRoute = errors.New("no route for action")

// RawEvent is one message observed on a transport.
type RawEvent struct {
	TS        string  `json:"ts"`
	Channel   Channel `json:"channel"`
	From      string  `json:"from"`
	To        string  `json:"to,omitempty"`
	Body      string  `json:"body"`
	Transport string  `json:"transport"`
	RoomID    string  `json:"room_id,omitempty"`
	EventID   string  `json:"event_id,omitempty"`
	// Agent is set when the sender marked the message as written by an agent.
	Agent bool `json:"agent,omitempty"`
}

// Key identifies the event for deduplication: the transport's event id when
// there is one, otherwise timestamp, sender, channel and body.
func (e RawEvent) Key() string {
	if e.EventID != "" {
		return e.EventID
	}
	return strings.Join([]string{e.TS, e.From, string(e.Channel), e.Body}, "|")
}

// Action is an outgoing message.
type Action struct {
	Channel Channel `json:"channel"`
	To      string  `json:"to,omitempty"`
	Body    string  `json:"body"`
	// Agent marks the message as agent-written so peers can skip answering it.
	Agent bool `json:"agent,omitempty"`
}

// Handler receives events from a running transport.
type Handler func(ctx context.Context, ev RawEvent)

// Transport connects an agent to a message network.
type Transport interface {
	// Name identifies the transport in events and logs.
	Name() string
	// Start delivers events to h until ctx ends or Stop is called.
	Start(ctx context.Context, h Handler) error
	// Send posts an action.
	Send(ctx context.Context, a Action) error
	// Stop ends a running Start.
	Stop()
}
