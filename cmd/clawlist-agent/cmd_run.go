// ABOUTME: `run` subcommand: sync Matrix, journal events, forward them to the sink, optionally reply
// ABOUTME: Transport and pipeline worker run under one errgroup; shutdown drains the pipeline

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/2389/clawlist-gateway/internal/bridge"
	"github.com/2389/clawlist-gateway/internal/config"
	"github.com/2389/clawlist-gateway/internal/eventlog"
	"github.com/2389/clawlist-gateway/internal/logging"
	"github.com/2389/clawlist-gateway/internal/outbound"
	"github.com/2389/clawlist-gateway/internal/responder"
	"github.com/2389/clawlist-gateway/internal/transport"
)

var runFlags struct {
	session   string
	match     string
	matchFile string
	rooms     string
	noReply   bool
	llm       string
	model     string
	prompt    string
}

func init() {
	rootCmd.AddCommand(runCmd)
	f := runCmd.Flags()
	f.StringVar(&runFlags.session, "session", "", "session id passed to the responder command")
	f.StringVar(&runFlags.match, "match", "", "only reply to gossip matching this regexp")
	f.StringVar(&runFlags.matchFile, "match-file", "", "only reply to gossip containing a line of this file")
	f.StringVar(&runFlags.rooms, "rooms", "", "rooms that trigger replies: gossip, dm or both")
	f.BoolVar(&runFlags.noReply, "no-reply", false, "never run the responder")
	f.StringVar(&runFlags.llm, "llm", "", "reply with a chat model: openai or ollama")
	f.StringVar(&runFlags.model, "model", "", "chat model name")
	f.StringVar(&runFlags.prompt, "prompt", "", "file holding the chat system prompt")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Sync the gossip and DM rooms until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyRunFlags(cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger := logging.New(cfg.Logging, os.Stdout)
		printStartup(cfg)

		mx, err := transport.NewMatrix(cfg.Matrix, logger)
		if err != nil {
			return err
		}
		return runAgent(cmd.Context(), cfg, mx, logger)
	},
}

func applyRunFlags(cfg *config.AgentConfig) {
	rc, lc := &cfg.Responder, &cfg.LLM
	if runFlags.session != "" {
		rc.SessionID = runFlags.session
	}
	if runFlags.match != "" {
		rc.Match = runFlags.match
	}
	if runFlags.matchFile != "" {
		rc.MatchFile = runFlags.matchFile
	}
	if runFlags.rooms != "" {
		rc.Rooms = runFlags.rooms
	}
	if runFlags.llm != "" {
		lc.Backend = runFlags.llm
		rc.Command = ""
	}
	if runFlags.model != "" {
		lc.Model = runFlags.model
	}
	if runFlags.prompt != "" {
		lc.PromptPath = runFlags.prompt
	}
	if runFlags.noReply {
		rc.Command = ""
		lc.Backend = ""
	}
}

func printStartup(cfg *config.AgentConfig) {
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("User:       %s\n", cfg.Matrix.UserID)
	green.Print("    ▶ ")
	fmt.Printf("Event log:  %s (redact: %s)\n", cfg.Log.Dir, cfg.Log.Redact)
	green.Print("    ▶ ")
	if cfg.Sink.URL != "" {
		fmt.Printf("Sink:       %s\n", cfg.Sink.URL)
	} else {
		fmt.Print("Sink:       ")
		gray.Println("disabled")
	}
	if cfg.Responder.Command != "" {
		green.Print("    ▶ ")
		fmt.Printf("Responder:  %s (rooms: %s)\n", cfg.Responder.Command, cfg.Responder.Rooms)
	}
	if cfg.LLM.Backend != "" {
		green.Print("    ▶ ")
		model := cfg.LLM.Model
		if model == "" {
			model = "default model"
		}
		fmt.Printf("Chat:       %s, %s (rooms: %s)\n", cfg.LLM.Backend, model, cfg.Responder.Rooms)
	}
	fmt.Println()
}

// runAgent wires journal, pipeline, responder and bridge around t and runs
// until ctx ends or the transport fails. On the way out the pipeline is
// drained for at most cfg.Sink.DrainTimeout.
func runAgent(ctx context.Context, cfg *config.AgentConfig, t transport.Transport, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	journal, err := eventlog.Open(cfg.Log.Dir, cfg.Log.Redact, logger)
	if err != nil {
		return err
	}
	defer journal.Close()

	opts := bridge.Options{
		Self:      cfg.Matrix.UserID,
		Journal:   journal,
		Rooms:     cfg.Responder.Rooms,
		Match:     cfg.Responder.Match,
		MatchFile: cfg.Responder.MatchFile,
		Logger:    logger,
	}

	var pipeline *outbound.Pipeline
	if cfg.Sink.URL != "" {
		pipeline = outbound.New(outbound.NewHTTPSink(cfg.Sink.URL, cfg.Sink.Token, cfg.Sink.Timeout), outbound.Options{
			QueueMax:   cfg.Sink.QueueMax,
			RatePerSec: cfg.Sink.RateLimitPerSec,
			DedupeTTL:  cfg.Sink.DedupeTTL,
			RetryMax:   cfg.Sink.RetryMax,
			RetryDelay: cfg.Sink.RetryDelay,
			Logger:     logger,
		})
		opts.Forward = pipeline
	}

	if cfg.Responder.Command != "" {
		r, err := responder.NewSubprocess(cfg.Responder.Command, cfg.Responder.Args, cfg.Responder.SessionID)
		if err != nil {
			return err
		}
		opts.Responder = r
	}
	if cfg.LLM.Backend != "" {
		r, err := newChatResponder(cfg.LLM)
		if err != nil {
			return err
		}
		opts.Responder = r
		opts.Chat = true
	}

	b, err := bridge.New(t, opts)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stopRun := context.WithCancel(gctx)
	defer stopRun()
	// The worker outlives runCtx so Drain can still deliver.
	workerCtx, stopWorker := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorker()

	g.Go(func() error {
		defer stopRun()
		return b.Run(runCtx)
	})
	if pipeline != nil {
		g.Go(func() error {
			return pipeline.Run(workerCtx)
		})
	}
	g.Go(func() error {
		<-runCtx.Done()
		t.Stop()
		b.Wait()
		if pipeline != nil {
			pipeline.Drain(cfg.Sink.DrainTimeout)
			s := pipeline.Stats()
			logger.Info("outbound stats",
				"enqueued", s.Enqueued,
				"delivered", s.Delivered,
				"rate_limited", s.RateLimited,
				"duplicates", s.Duplicates,
				"queue_full", s.QueueFull,
				"exhausted", s.Exhausted,
			)
		}
		stopWorker()
		return nil
	})

	return g.Wait()
}

func newChatResponder(lc config.LLMConfig) (*responder.OpenAI, error) {
	system, err := responder.LoadSystemPrompt(lc.PromptPath)
	if err != nil {
		return nil, err
	}
	return responder.NewOpenAI(responder.OpenAIOptions{
		Backend:    lc.Backend,
		Model:      lc.Model,
		BaseURL:    lc.BaseURL,
		APIKey:     lc.APIKey,
		System:     system,
		MaxHistory: lc.MaxHistory,
	})
}
