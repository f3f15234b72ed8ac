// Package main is the entry point for the gmail-merge CLI.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shineum/gmail-merge/internal/auth"
	"github.com/shineum/gmail-merge/internal/config"
	"github.com/shineum/gmail-merge/internal/merge"
	"github.com/shineum/gmail-merge/internal/recipient"
	"github.com/shineum/gmail-merge/internal/transport"
)

var (
	cfgFile         string
	csvPath         string
	subjectArg      string
	htmlArg         string
	textArg         string
	sender          string
	commonAttach    string
	limit           int
	dryRun          bool
	credentialsFile string
	tokenFile       string
)

var rootCmd = &cobra.Command{
	Use:   "gmail-merge",
	Short: "Send personalized Gmail messages from a CSV recipient list",
	Long: `gmail-merge reads a CSV of recipients, renders per-recipient subject and
body text from shared {placeholder} templates, attaches per-recipient files,
and delivers each message through the Gmail API.

Template arguments are either literal text or @path to read a file.
The CSV must carry the columns: email, firstname, company, cc, bcc, attachment.

Example:
  gmail-merge --csv recipients.csv --subject "Hi {firstname}" --html @body.html
  gmail-merge --csv recipients.csv --subject @subject.txt --html @body.html --dry_run`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "path to YAML configuration file (optional)")
	rootCmd.Flags().StringVar(&csvPath, "csv", "", "path to recipients CSV (required)")
	rootCmd.Flags().StringVar(&subjectArg, "subject", "", "subject template, or @file (required)")
	rootCmd.Flags().StringVar(&htmlArg, "html", "", "HTML body template, or @file (required)")
	rootCmd.Flags().StringVar(&textArg, "text", "", "optional plain-text body template, or @file")
	rootCmd.Flags().StringVar(&sender, "sender", "", `sender address; "me" is the authorized account`)
	rootCmd.Flags().StringVar(&commonAttach, "attach", "", "attachment path(s) for every message, comma-separated")
	rootCmd.Flags().IntVar(&limit, "limit", 0, "send to the first N rows only (0 = all)")
	rootCmd.Flags().BoolVar(&dryRun, "dry_run", false, "render and preview everything; send nothing")
	rootCmd.Flags().StringVar(&credentialsFile, "credentials", "", "OAuth client configuration file")
	rootCmd.Flags().StringVar(&tokenFile, "token", "", "token storage file")

	rootCmd.MarkFlagRequired("csv")
	rootCmd.MarkFlagRequired("subject")
	rootCmd.MarkFlagRequired("html")
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, stopping dispatch", "signal", sig)
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cfgFile)
	if err != nil {
		return err
	}
	setupLogger(cfg.Logging.Level)

	// Flags override file/env configuration.
	if sender != "" {
		cfg.Gmail.Sender = sender
	}
	if credentialsFile != "" {
		cfg.Gmail.CredentialsFile = credentialsFile
	}
	if tokenFile != "" {
		cfg.Gmail.TokenFile = tokenFile
	}

	store, err := tokenStore(cfg)
	if err != nil {
		return err
	}

	creds, err := auth.NewManager(cfg.Gmail.CredentialsFile, store)
	if err != nil {
		return err
	}

	var trans transport.Transport
	if dryRun {
		trans = transport.NewPreview()
	} else {
		trans = transport.NewGmail(transport.GmailConfig{
			Sender:  cfg.Gmail.Sender,
			Tokens:  creds,
			Timeout: time.Duration(cfg.Send.TimeoutSeconds) * time.Second,
		})
	}

	pipeline := merge.New(merge.Options{
		CSVPath:           csvPath,
		Subject:           subjectArg,
		HTML:              htmlArg,
		Text:              textArg,
		Sender:            cfg.Gmail.Sender,
		CommonAttachments: recipient.SplitList(commonAttach),
		Limit:             limit,
		DryRun:            dryRun,
		Throttle:          time.Duration(cfg.Send.ThrottleMS) * time.Millisecond,
	}, creds, trans)

	summary, err := pipeline.Run(cmd.Context())
	if summary != nil {
		printSummary(summary)
	}
	return err
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// tokenStore selects the credential persistence backend.
func tokenStore(cfg *config.Config) (auth.TokenStore, error) {
	if cfg.KeyringStorage() {
		return auth.NewKeyringStore(keyringFileDir())
	}
	return auth.NewFileStore(cfg.Gmail.TokenFile), nil
}

// keyringFileDir is where the keyring's encrypted-file fallback keeps its data.
func keyringFileDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gmail-merge"
	}
	return home + "/.config/gmail-merge/credentials"
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// printSummary writes the run summary: counts per status, then an itemized
// reason for every failed recipient. Per-recipient failures alone do not
// make the run fail.
func printSummary(s *merge.Summary) {
	fmt.Fprintf(os.Stderr, "Done. sent=%d previewed=%d failed=%d\n", s.Sent, s.Previewed, s.Failed)
	for _, r := range s.FailedResults() {
		fmt.Fprintf(os.Stderr, "  failed %s: %s\n", r.RecipientEmail, r.Reason)
	}
}
