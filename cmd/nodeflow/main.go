package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/secrets"
	"github.com/rendis/nodeflow/internal/store"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "nodeflow:", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:                  "nodeflow",
		Usage:                 "Run node/edge workflow graphs",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "db",
				Usage: "Path of the libSQL database (overrides db_path)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log format (text, json)",
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			validateCommand(),
			serveCommand(),
			secretCommand(),
			historyCommand(),
			versionCommand(),
		},
	}
}

// env is the resolved configuration plus the logger built from it.
type env struct {
	cfg    Config
	logger *slog.Logger
}

// setup layers global flags over loadConfig.
func setup(cmd *cli.Command) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	root := cmd.Root()
	if v := root.String("db"); v != "" {
		cfg.DBPath = v
	}
	if v := root.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := root.String("log-format"); v != "" {
		cfg.LogFormat = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(stderr(cmd), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger}, nil
}

func openStore(ctx context.Context, path string) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + path)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// openVault returns nil when no passphrase is configured.
func openVault(st secrets.SecretStore, cfg Config) (*secrets.AESVault, error) {
	if cfg.VaultPassphrase == "" {
		return nil, nil
	}
	return secrets.NewAESVault(st, secrets.VaultConfig{
		Passphrase: cfg.VaultPassphrase,
		Salt:       []byte(cfg.VaultSalt),
	})
}

func stdout(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func stderr(cmd *cli.Command) io.Writer {
	if w := cmd.Root().ErrWriter; w != nil {
		return w
	}
	return os.Stderr
}

func stdin(cmd *cli.Command) io.Reader {
	if r := cmd.Root().Reader; r != nil {
		return r
	}
	return os.Stdin
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
