package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/store"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'conversations' or 'version'")
		os.Exit(2)
	}
	os.Exit(run(os.Args[1], os.Args[2:], os.Stdout, os.Stderr))
}

func run(cmd string, args []string, stdout, stderr io.Writer) int {
	switch cmd {
	case "validate":
		fs := flag.NewFlagSet("validate", flag.ContinueOnError)
		fs.SetOutput(stderr)
		configPath := fs.String("config", "loqa-transcribe.yaml", "Path to configuration file")
		if err := fs.Parse(args); err != nil {
			return 2
		}
		if _, err := config.Load(*configPath); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fmt.Fprintln(stdout, "config valid")
	case "conversations":
		fs := flag.NewFlagSet("conversations", flag.ContinueOnError)
		fs.SetOutput(stderr)
		configPath := fs.String("config", "loqa-transcribe.yaml", "Path to configuration file")
		limit := fs.Int("limit", 20, "Maximum number of conversations to list")
		if err := fs.Parse(args); err != nil {
			return 2
		}
		if err := listConversations(*configPath, *limit, stdout); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	case "version":
		fmt.Fprintln(stdout, version)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		return 2
	}
	return 0
}

func listConversations(configPath string, limit int, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Store.RetentionMode == store.RetentionEphemeral {
		return errors.New("store is ephemeral; no conversations are retained")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	list, err := st.ListConversations(ctx, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tDURATION\tTRANSCRIPT")
	for _, c := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			c.ID,
			c.CreatedAt.Format(time.RFC3339),
			(time.Duration(c.DurationMS) * time.Millisecond).String(),
			preview(c.Transcript, 60))
	}
	return tw.Flush()
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
