// ABOUTME: `events` subcommand: print the newest journaled events, optionally filtered
// ABOUTME: Prints JSON lines by default or an aligned table with --table

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/2389/clawlist-gateway/internal/eventlog"
	"github.com/2389/clawlist-gateway/internal/transport"
)

var eventsFlags struct {
	log      string
	channel  string
	from     string
	to       string
	contains string
	limit    int
	table    bool
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	f := eventsCmd.Flags()
	f.StringVar(&eventsFlags.log, "log", "", "events.jsonl path (default: <log.dir>/events.jsonl from the config)")
	f.StringVar(&eventsFlags.channel, "channel", "", "only gossip or dm events")
	f.StringVar(&eventsFlags.from, "from", "", "only events from this sender")
	f.StringVar(&eventsFlags.to, "to", "", "only events addressed to this user")
	f.StringVar(&eventsFlags.contains, "contains", "", "only events whose body contains this text")
	f.IntVar(&eventsFlags.limit, "limit", eventlog.DefaultLimit, "newest N events after filtering")
	f.BoolVar(&eventsFlags.table, "table", false, "print a table instead of JSON lines")
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show journaled events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := eventsFlags.log
		if path == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path = filepath.Join(cfg.Log.Dir, eventlog.FileName)
		}

		events, err := eventlog.Read(path, eventlog.Filter{
			Channel:  transport.Channel(eventsFlags.channel),
			From:     eventsFlags.from,
			To:       eventsFlags.to,
			Contains: eventsFlags.contains,
			Limit:    eventsFlags.limit,
		})
		if err != nil {
			return err
		}
		if eventsFlags.table {
			return printEventTable(os.Stdout, events)
		}
		return printEventLines(os.Stdout, events)
	},
}

func printEventLines(w io.Writer, events []transport.RawEvent) error {
	enc := json.NewEncoder(w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}

func printEventTable(w io.Writer, events []transport.RawEvent) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TS\tCHANNEL\tFROM\tTO\tBODY")
	for _, ev := range events {
		to := ev.To
		if to == "" {
			to = "-"
		}
		body := strings.ReplaceAll(ev.Body, "\n", " ")
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", ev.TS, ev.Channel, ev.From, to, body)
	}
	return tw.Flush()
}
