package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/rendis/nodeflow/internal/nodes"
	"github.com/rendis/nodeflow/internal/secrets"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

// --- validate ---

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Check a workflow graph without running it",
		ArgsUsage: "<graph.json|graph.yaml>",
		Action: func(_ context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return errors.New("graph path is required")
			}
			env, err := setup(cmd)
			if err != nil {
				return err
			}
			registry, err := nodes.NewBuiltinRegistry(nodes.BuiltinConfig{})
			if err != nil {
				return err
			}
			_, result, err := loadValidated(path, registry, env)
			if err != nil {
				return err
			}
			if err := writeJSON(stdout(cmd), map[string]any{
				"valid":    result.Valid(),
				"errors":   result.Errors,
				"warnings": result.Warnings,
			}); err != nil {
				return err
			}
			return result.ToError()
		},
	}
}

// --- secret ---

func secretCommand() *cli.Command {
	return &cli.Command{
		Name:  "secret",
		Usage: "Manage encrypted node credentials",
		Commands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "Store a credential (value read from stdin when omitted)",
				ArgsUsage: "<ref> [value]",
				Action: withVault(func(ctx context.Context, cmd *cli.Command, v *secrets.AESVault, _ *store.LibSQLStore) error {
					ref := cmd.Args().First()
					if ref == "" {
						return errors.New("credential ref is required")
					}
					value := cmd.Args().Get(1)
					if cmd.Args().Len() < 2 {
						data, err := io.ReadAll(stdin(cmd))
						if err != nil {
							return fmt.Errorf("read value: %w", err)
						}
						value = strings.TrimRight(string(data), "\r\n")
					}
					return v.Store(ctx, ref, []byte(value))
				}),
			},
			{
				Name:      "delete",
				Usage:     "Remove a credential",
				ArgsUsage: "<ref>",
				Action: withVault(func(ctx context.Context, cmd *cli.Command, v *secrets.AESVault, _ *store.LibSQLStore) error {
					ref := cmd.Args().First()
					if ref == "" {
						return errors.New("credential ref is required")
					}
					return v.Delete(ctx, ref)
				}),
			},
			{
				Name:  "list",
				Usage: "List credential refs",
				Action: withVault(func(ctx context.Context, cmd *cli.Command, v *secrets.AESVault, _ *store.LibSQLStore) error {
					refs, err := v.List(ctx)
					if err != nil {
						return err
					}
					for _, ref := range refs {
						fmt.Fprintln(stdout(cmd), ref)
					}
					return nil
				}),
			},
			{
				Name:  "rekey",
				Usage: "Re-encrypt every credential under a new passphrase",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "new-passphrase", Required: true, Usage: "Passphrase to move to"},
					&cli.StringFlag{Name: "new-salt", Required: true, Usage: "Salt for the new passphrase"},
				},
				Action: withVault(func(ctx context.Context, cmd *cli.Command, v *secrets.AESVault, st *store.LibSQLStore) error {
					next, err := secrets.NewAESVault(st, secrets.VaultConfig{
						Passphrase: cmd.String("new-passphrase"),
						Salt:       []byte(cmd.String("new-salt")),
					})
					if err != nil {
						return err
					}
					moved, err := v.Rekey(ctx, next)
					fmt.Fprintf(stdout(cmd), "re-encrypted %d credential(s); update vault_passphrase and vault_salt\n", moved)
					return err
				}),
			},
		},
	}
}

type vaultAction func(ctx context.Context, cmd *cli.Command, v *secrets.AESVault, st *store.LibSQLStore) error

// withVault opens the store and the vault around fn. A vault passphrase is mandatory.
func withVault(fn vaultAction) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		env, err := setup(cmd)
		if err != nil {
			return err
		}
		if env.cfg.VaultPassphrase == "" {
			return errors.New("vault_passphrase is not configured (set NODEFLOW_VAULT_PASSPHRASE and NODEFLOW_VAULT_SALT)")
		}
		st, err := openStore(ctx, env.cfg.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()

		v, err := openVault(st, env.cfg)
		if err != nil {
			return err
		}
		return fn(ctx, cmd, v, st)
	}
}

// --- history ---

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Inspect persisted executions",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List executions, most recently updated first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "workflow", Usage: "Only this workflow"},
					&cli.StringFlag{Name: "status", Usage: "Only this status (idle, running, paused, completed, error)"},
					&cli.IntFlag{Name: "limit", Value: 20, Usage: "Maximum rows"},
				},
				Action: withStore(func(ctx context.Context, cmd *cli.Command, st *store.LibSQLStore) error {
					filter := store.ExecutionFilter{
						WorkflowID: cmd.String("workflow"),
						Limit:      int(cmd.Int("limit")),
					}
					if v := cmd.String("status"); v != "" {
						status := schema.ExecutionStatus(v)
						filter.Status = &status
					}
					execs, err := st.ListExecutions(ctx, filter)
					if err != nil {
						return err
					}
					return writeJSON(stdout(cmd), execs)
				}),
			},
			{
				Name:      "show",
				Usage:     "Print the stored state of an execution",
				ArgsUsage: "<execution-id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "events", Usage: "Also replay the event log"},
				},
				Action: withStore(func(ctx context.Context, cmd *cli.Command, st *store.LibSQLStore) error {
					id := cmd.Args().First()
					if id == "" {
						return errors.New("execution id is required")
					}
					state, err := st.LoadState(ctx, id)
					if err != nil {
						return err
					}
					if !cmd.Bool("events") {
						return writeJSON(stdout(cmd), state)
					}
					replay, err := store.NewEventLog(st).ReplayEvents(ctx, id)
					if err != nil {
						return err
					}
					return writeJSON(stdout(cmd), map[string]any{"state": state, "replay": replay})
				}),
			},
			{
				Name:      "delete",
				Usage:     "Delete an execution and its events",
				ArgsUsage: "<execution-id>",
				Action: withStore(func(ctx context.Context, cmd *cli.Command, st *store.LibSQLStore) error {
					id := cmd.Args().First()
					if id == "" {
						return errors.New("execution id is required")
					}
					return st.DeleteExecution(ctx, id)
				}),
			},
			{
				Name:  "vacuum",
				Usage: "Compact the database",
				Action: withStore(func(ctx context.Context, _ *cli.Command, st *store.LibSQLStore) error {
					return st.Vacuum(ctx)
				}),
			},
		},
	}
}

func withStore(fn func(ctx context.Context, cmd *cli.Command, st *store.LibSQLStore) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		env, err := setup(cmd)
		if err != nil {
			return err
		}
		st, err := openStore(ctx, env.cfg.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()
		return fn(ctx, cmd, st)
	}
}
