// ABOUTME: Responder turns a prompt into a one-line reply from an external agent command
// ABOUTME: Subprocess runs `<cmd> agent [--session-id X] --message <prompt>`; Func adapts plain functions

package responder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds one subprocess call.
const DefaultTimeout = 2 * time.Minute

// Responder produces a reply for a prompt. An empty reply means nothing to say.
type Responder interface {
	Request(ctx context.Context, prompt string) (string, error)
}

// Func adapts a function to the Responder interface.
type Func func(ctx context.Context, prompt string) (string, error)

// Request implements Responder.
func (f Func) Request(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Subprocess runs an external command once per prompt.
type Subprocess struct {
	Command   string
	Args      []string // leading arguments; defaults to ["agent"]
	SessionID string
	Timeout   time.Duration
}

// NewSubprocess creates a subprocess responder. Empty args use ["agent"].
func NewSubprocess(command string, args []string, sessionID string) (*Subprocess, error) {
	if command == "" {
		return nil, errors.New("responder command is required")
	}
	if len(args) == 0 {
		args = []string{"agent"}
	}
	return &Subprocess{
		Command:   command,
		Args:      args,
		SessionID: sessionID,
		Timeout:   DefaultTimeout,
	}, nil
}

// argv returns the arguments for one call.
func (s *Subprocess) argv(prompt string) []string {
	args := append([]string(nil), s.Args...)
	if s.SessionID != "" {
		args = append(args, "--session-id", s.SessionID)
	}
	return append(args, "--message", prompt)
}

// Request runs the command and returns the last non-empty line of its stdout.
// A non-zero exit is an error carrying the command's stderr.
func (s *Subprocess) Request(ctx context.Context, prompt string) (string, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.Command, s.argv(prompt)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w (stderr: %s)",
			s.Command, strings.Join(s.Args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return LastLine(stdout.String()), nil
}

// LastLine returns the last non-blank line of out, trimmed.
func LastLine(out string) string {
	lines := strings.Split(out, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
