// ABOUTME: Tests for the event journal
// ABOUTME: Covers redaction modes, filtered reads, tail limits and malformed lines

package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/clawlist-gateway/internal/config"
	"github.com/2389/clawlist-gateway/internal/transport"
)

func ev(ch transport.Channel, from, to, body string) transport.RawEvent {
	return transport.RawEvent{
		TS:        "2026-01-01T00:00:00.000Z",
		Channel:   ch,
		From:      from,
		To:        to,
		Body:      body,
		Transport: "matrix",
	}
}

func writeJournal(t *testing.T, redact string, events ...transport.RawEvent) string {
	t.Helper()
	dir := t.TempDir()
	j, err := Open(dir, redact, nil)
	require.NoError(t, err)
	for _, e := range events {
		require.NoError(t, j.Append(e))
	}
	require.NoError(t, j.Close())
	return j.Path()
}

func TestRedact(t *testing.T) {
	dm := ev(transport.ChannelDM, "@a", "@b", "secret")
	gossip := ev(transport.ChannelGossip, "@a", "", "hello")

	tests := []struct {
		mode       string
		dmBody     string
		gossipBody string
	}{
		{config.RedactNone, "secret", "hello"},
		{config.RedactDM, Redacted, "hello"},
		{config.RedactAll, Redacted, Redacted},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			path := writeJournal(t, tt.mode, dm, gossip)
			events, err := Read(path, Filter{})
			require.NoError(t, err)
			require.Len(t, events, 2)
			assert.Equal(t, tt.dmBody, events[0].Body)
			assert.Equal(t, tt.gossipBody, events[1].Body)
			assert.Equal(t, "@b", events[0].To, "only the body is redacted")
		})
	}
}

func TestRead_Filters(t *testing.T) {
	path := writeJournal(t, "",
		ev(transport.ChannelGossip, "@a", "", "LISTING_CREATE bike"),
		ev(transport.ChannelDM, "@b", "@a", "want the bike?"),
		ev(transport.ChannelDM, "@c", "@a", "hello"),
		ev(transport.ChannelGossip, "@b", "", "INTENT lamp"),
	)

	tests := []struct {
		name   string
		filter Filter
		bodies []string
	}{
		{"all", Filter{}, []string{"LISTING_CREATE bike", "want the bike?", "hello", "INTENT lamp"}},
		{"channel", Filter{Channel: transport.ChannelDM}, []string{"want the bike?", "hello"}},
		{"from", Filter{From: "@b"}, []string{"want the bike?", "INTENT lamp"}},
		{"to", Filter{To: "@a"}, []string{"want the bike?", "hello"}},
		{"contains", Filter{Contains: "bike"}, []string{"LISTING_CREATE bike", "want the bike?"}},
		{"combined", Filter{Channel: transport.ChannelDM, Contains: "bike"}, []string{"want the bike?"}},
		{"limit keeps newest", Filter{Limit: 2}, []string{"hello", "INTENT lamp"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := Read(path, tt.filter)
			require.NoError(t, err)
			var bodies []string
			for _, e := range events {
				bodies = append(bodies, e.Body)
			}
			assert.Equal(t, tt.bodies, bodies)
		})
	}
}

func TestRead_DefaultLimit(t *testing.T) {
	var events []transport.RawEvent
	for i := range DefaultLimit + 10 {
		events = append(events, ev(transport.ChannelGossip, "@a", "", fmt.Sprintf("msg %d", i)))
	}
	path := writeJournal(t, "", events...)

	got, err := Read(path, Filter{})
	require.NoError(t, err)
	require.Len(t, got, DefaultLimit)
	assert.Equal(t, "msg 10", got[0].Body)
	assert.Equal(t, fmt.Sprintf("msg %d", DefaultLimit+9), got[len(got)-1].Body)
}

func TestRead_AppendsAcrossOpens(t *testing.T) {
	dir := t.TempDir()
	for _, body := range []string{"first", "second"} {
		j, err := Open(dir, "", nil)
		require.NoError(t, err)
		require.NoError(t, j.Append(ev(transport.ChannelGossip, "@a", "", body)))
		require.NoError(t, j.Close())
	}

	got, err := Read(filepath.Join(dir, FileName), Filter{})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRead_Errors(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "missing.jsonl"), Filter{})
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("{\"body\":\"ok\"}\n\nnot json\n"), 0644))
	_, err = Read(path, Filter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
}
