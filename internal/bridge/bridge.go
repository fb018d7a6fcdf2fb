// ABOUTME: Agent bridge: journals transport events, forwards them to the outbound pipeline
// ABOUTME: and optionally asks a responder for a DM/GOSSIP reply, one call at a time

package bridge

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/clawlist-gateway/internal/responder"
	"github.com/2389/clawlist-gateway/internal/transport"
)

// Room modes select which channels may trigger a reply.
const (
	RoomsGossip = "gossip"
	RoomsDM     = "dm"
	RoomsBoth   = "both"
)

// Appender records events. *eventlog.Journal satisfies it.
type Appender interface {
	Append(ev transport.RawEvent) error
}

// Forwarder accepts events for delivery elsewhere. *outbound.Pipeline satisfies it.
type Forwarder interface {
	Handle(ev transport.RawEvent) bool
}

// Options configures a Bridge. Every field is optional.
type Options struct {
	Self      string // own user id, recorded as the sender of outgoing events
	Journal   Appender
	Forward   Forwarder
	Responder responder.Responder
	Rooms     string // gossip, dm or both; empty means both
	Match     string // case-insensitive regexp gossip bodies must match to get a reply
	MatchFile string // file of literal lines; a gossip body must contain one to get a reply
	// Chat posts the responder's reply verbatim to the channel it answers,
	// tagged as agent-written. Tagged events never get a reply in this mode.
	Chat   bool
	Logger *slog.Logger
}

// Bridge connects a transport to the journal, the pipeline and the responder.
type Bridge struct {
	transport transport.Transport
	journal   Appender
	forward   Forwarder
	responder responder.Responder
	self      string
	rooms     string
	chat      bool
	filters   []*regexp.Regexp
	logger    *slog.Logger

	busy     atomic.Bool
	inflight sync.WaitGroup
	now      func() time.Time
}

// New creates a bridge over t.
func New(t transport.Transport, opts Options) (*Bridge, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rooms := opts.Rooms
	if rooms == "" {
		rooms = RoomsBoth
	}
	switch rooms {
	case RoomsGossip, RoomsDM, RoomsBoth:
	default:
		return nil, fmt.Errorf("rooms %q must be gossip, dm or both", rooms)
	}

	b := &Bridge{
		transport: t,
		journal:   opts.Journal,
		forward:   opts.Forward,
		responder: opts.Responder,
		self:      opts.Self,
		rooms:     rooms,
		chat:      opts.Chat,
		logger:    logger.With("component", "bridge"),
		now:       time.Now,
	}

	if opts.Match != "" {
		re, err := regexp.Compile("(?i)" + opts.Match)
		if err != nil {
			return nil, fmt.Errorf("compiling match pattern: %w", err)
		}
		b.filters = append(b.filters, re)
	}
	if opts.MatchFile != "" {
		re, err := LoadMatchFile(opts.MatchFile)
		if err != nil {
			return nil, err
		}
		b.filters = append(b.filters, re)
	}
	return b, nil
}

// LoadMatchFile builds a case-insensitive matcher from a file of literal
// lines. Blank lines and lines starting with # are skipped. A file with no
// usable lines yields a matcher that never matches.
func LoadMatchFile(path string) (*regexp.Regexp, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading match file: %w", err)
	}
	var alts []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		alts = append(alts, regexp.QuoteMeta(line))
	}
	if len(alts) == 0 {
		return regexp.MustCompile(`[^\x00-\x{10FFFF}]`), nil
	}
	return regexp.MustCompile("(?i)" + strings.Join(alts, "|")), nil
}

// Run starts the transport with the bridge as its handler and blocks until it stops.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("bridge starting", "transport", b.transport.Name(), "replies", b.responder != nil, "chat", b.chat, "rooms", b.rooms)
	return b.transport.Start(ctx, b.Handle)
}

// Wait blocks until any in-flight reply has finished.
func (b *Bridge) Wait() {
	b.inflight.Wait()
}

// Handle processes one inbound event. It satisfies transport.Handler.
func (b *Bridge) Handle(ctx context.Context, ev transport.RawEvent) {
	b.logger.Debug("event received", "channel", ev.Channel, "from", ev.From, "event_id", ev.EventID)

	if b.journal != nil {
		if err := b.journal.Append(ev); err != nil {
			b.logger.Error("journaling event", "error", err)
		}
	}
	if b.forward != nil {
		b.forward.Handle(ev)
	}
	if b.responder != nil && b.wantsReply(ev) {
		b.reply(ctx, ev)
	}
}

// wantsReply applies the room mode and, for gossip, the match filters.
func (b *Bridge) wantsReply(ev transport.RawEvent) bool {
	if b.chat && (ev.Agent || (b.self != "" && ev.From == b.self)) {
		return false
	}
	switch {
	case b.rooms == RoomsGossip && ev.Channel != transport.ChannelGossip:
		return false
	case b.rooms == RoomsDM && ev.Channel != transport.ChannelDM:
		return false
	}
	if ev.Channel == transport.ChannelGossip {
		for _, re := range b.filters {
			if !re.MatchString(ev.Body) {
				return false
			}
		}
	}
	return true
}

// reply asks the responder in the background. Events that arrive while a
// call is in flight get no reply.
func (b *Bridge) reply(ctx context.Context, ev transport.RawEvent) {
	if !b.busy.CompareAndSwap(false, true) {
		b.logger.Debug("responder busy, skipping", "event_id", ev.EventID)
		return
	}
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		defer b.busy.Store(false)

		rctx, prompt, parse := ctx, Prompt(ev), ParseReply
		if b.chat {
			rctx = responder.WithConversation(ctx, ConversationKey(ev))
			prompt, parse = ChatPrompt(ev), ChatReply
		}

		out, err := b.responder.Request(rctx, prompt)
		if err != nil {
			b.logger.Error("responder failed", "error", err)
			return
		}
		b.logger.Debug("responder replied", "reply", out)

		action, ok := parse(out, ev)
		if !ok {
			return
		}
		if err := b.Send(ctx, action); err != nil {
			b.logger.Error("sending reply", "channel", action.Channel, "error", err)
		}
	}()
}

// Send delivers an action over the transport and journals it as an outgoing event.
func (b *Bridge) Send(ctx context.Context, a transport.Action) error {
	if !a.Channel.Valid() {
		return fmt.Errorf("unknown channel %q", a.Channel)
	}
	if strings.TrimSpace(a.Body) == "" {
		return errors.New("body is required")
	}
	if err := b.transport.Send(ctx, a); err != nil {
		return err
	}
	b.logger.Info("message sent", "channel", a.Channel, "to", a.To)

	if b.journal != nil {
		out := transport.RawEvent{
			TS:        b.now().UTC().Format(transport.TimeFormat),
			Channel:   a.Channel,
			From:      b.self,
			To:        a.To,
			Body:      a.Body,
			Transport: b.transport.Name(),
			Agent:     a.Agent,
		}
		if err := b.journal.Append(out); err != nil {
			b.logger.Error("journaling sent message", "error", err)
		}
	}
	return nil
}

// Prompt builds the responder prompt for an inbound event.
func Prompt(ev transport.RawEvent) string {
	if ev.Channel == transport.ChannelGossip {
		return fmt.Sprintf("GOSSIP MESSAGE from %s: %s\n"+
			"If you should respond, reply with one line in this format:\n"+
			"- DM: <message>\n"+
			"- GOSSIP: <message>\n"+
			"If you should not respond, reply exactly with SKIP.", ev.From, ev.Body)
	}
	return fmt.Sprintf("DM MESSAGE from %s: %s\n"+
		"Reply with one line in this format:\n"+
		"- DM: <message>\n"+
		"If you should not respond, reply exactly with SKIP.", ev.From, ev.Body)
}

// ChatPrompt builds the prompt for a conversational responder.
func ChatPrompt(ev transport.RawEvent) string {
	return fmt.Sprintf("Incoming %s message from %s: %s", ev.Channel, ev.From, ev.Body)
}

// ConversationKey names the thread an event belongs to: its room, or the
// channel and peer when the transport has no rooms.
func ConversationKey(ev transport.RawEvent) string {
	if ev.RoomID != "" {
		return ev.RoomID
	}
	if ev.Channel == transport.ChannelDM {
		return string(ev.Channel) + "|" + ev.From
	}
	return string(ev.Channel)
}

// ChatReply answers ev on its own channel with the whole reply, tagged as
// agent-written. An empty reply yields no action.
func ChatReply(reply string, ev transport.RawEvent) (transport.Action, bool) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return transport.Action{}, false
	}
	a := transport.Action{Channel: ev.Channel, Body: reply, Agent: true}
	if ev.Channel == transport.ChannelDM {
		a.To = ev.From
	}
	return a, true
}

// ParseReply turns a responder reply into an action answering ev. SKIP, an
// empty message or an unknown prefix yield no action.
func ParseReply(reply string, ev transport.RawEvent) (transport.Action, bool) {
	reply = strings.TrimSpace(reply)
	if reply == "" || strings.EqualFold(reply, "SKIP") {
		return transport.Action{}, false
	}
	prefix, message, found := strings.Cut(reply, ":")
	if !found {
		return transport.Action{}, false
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return transport.Action{}, false
	}

	prefix = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(prefix), "-"))
	switch strings.ToUpper(prefix) {
	case "GOSSIP":
		return transport.Action{Channel: transport.ChannelGossip, Body: message}, true
	case "DM":
		return transport.Action{Channel: transport.ChannelDM, To: ev.From, Body: message}, true
	default:
		return transport.Action{}, false
	}
}
