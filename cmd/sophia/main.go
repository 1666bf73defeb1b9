// Command sophia runs the Sophia companion: a French-speaking listening
// assistant reachable over WhatsApp.
package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sophia-care/sophia/internal/config"
)

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries the configuration shared by every subcommand.
type cli struct {
	cfg config.Config

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	stateDir    string
	dbDSN       string
	apiAddr     string
	transport   string
	qrOutput    string
	numericCode bool
	logLevel    string
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	return (&cli{stdin: stdin, stdout: stdout, stderr: stderr}).rootCmd()
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sophia",
		Short: "Sophia, a listening companion on WhatsApp",
		Long: `Sophia greets people, collects a short intake and then chats with them,
grounding replies on archived therapeutic exchanges when a vector store is
configured. Configuration comes from the environment (and a .env file);
flags override selected values.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.loadConfig,
	}
	root.SetIn(c.stdin)
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)

	f := root.PersistentFlags()
	f.StringVar(&c.stateDir, "state-dir", "", "state directory for the lock file and SQLite databases (overrides $SOPHIA_STATE_DIR)")
	f.StringVar(&c.dbDSN, "db-dsn", "", "session database DSN, SQLite path or PostgreSQL URL (overrides $DATABASE_URL)")
	f.StringVar(&c.apiAddr, "api-addr", "", "HTTP API address (overrides $API_ADDR)")
	f.StringVar(&c.transport, "transport", "", "whatsapp, twilio or console (overrides $TRANSPORT)")
	f.StringVar(&c.qrOutput, "qr-output", "", "path to write the WhatsApp login QR code")
	f.BoolVar(&c.numericCode, "numeric-code", false, "use a numeric WhatsApp login code instead of a QR code")
	f.StringVar(&c.logLevel, "log-level", "", "debug, info, warn or error (overrides $LOG_LEVEL)")

	root.AddCommand(c.newServeCmd(), c.newConsoleCmd(), c.newRAGCheckCmd())
	return root
}

// loadConfig reads .env and the environment, applies flag overrides and
// installs the default logger.
func (c *cli) loadConfig(cmd *cobra.Command, args []string) error {
	envErr := godotenv.Load()

	cfg := config.Load()
	flags := cmd.Flags()
	if flags.Changed("state-dir") {
		cfg.StateDir = c.stateDir
		if os.Getenv("WHATSAPP_DB_DSN") == "" {
			cfg.WhatsAppDSN = ""
		}
	}
	if flags.Changed("db-dsn") {
		cfg.DatabaseURL = c.dbDSN
		if os.Getenv("WHATSAPP_DB_DSN") == "" {
			cfg.WhatsAppDSN = ""
		}
	}
	if flags.Changed("api-addr") {
		cfg.APIAddr = c.apiAddr
	}
	if flags.Changed("transport") {
		cfg.Transport = c.transport
	}
	if flags.Changed("qr-output") {
		cfg.QRPath = c.qrOutput
	}
	if flags.Changed("numeric-code") {
		cfg.NumericCode = c.numericCode
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = c.logLevel
	}
	cfg.ApplyDefaults()
	c.cfg = cfg

	slog.SetDefault(newLogger(c.stderr, cfg))
	if envErr != nil {
		slog.Debug("cli.loadConfig: no .env file loaded", "error", envErr)
	}
	slog.Debug("cli.loadConfig: configuration ready",
		"command", cmd.Name(),
		"state_dir", cfg.StateDir,
		"transport", cfg.Transport,
		"dsn_set", cfg.DatabaseURL != "",
		"api_addr", cfg.APIAddr)
	return nil
}

// newLogger builds the process logger; LOG_FORMAT selects text or JSON.
func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevelValue()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
