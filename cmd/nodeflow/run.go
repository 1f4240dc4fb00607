package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/nodes"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/validation"
	"github.com/rendis/nodeflow/pkg/schema"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Validate and execute a workflow graph",
		ArgsUsage: "<graph.json|graph.yaml>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "step",
				Usage: "Run one node at a time, reading commands from stdin",
			},
			&cli.StringFlag{
				Name:  "data",
				Usage: "Trigger data as a JSON document",
			},
			&cli.StringFlag{
				Name:  "workflow-id",
				Usage: "Workflow identifier (default: graph id or file name)",
			},
			&cli.BoolFlag{
				Name:  "ephemeral",
				Usage: "Do not persist the run",
			},
		},
		Action: runAction,
	}
}

func runAction(ctx context.Context, cmd *cli.Command) error {
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
	doc, result, err := loadValidated(path, registry, env)
	if err != nil {
		return err
	}
	if !result.Valid() {
		_ = writeJSON(stdout(cmd), result)
		return result.ToError()
	}

	opts := []engine.Option{
		engine.WithRegistry(registry),
		engine.WithLogger(env.logger),
		engine.WithDefaultTimeout(env.cfg.DefaultTimeout()),
	}
	if raw := cmd.String("data"); raw != "" {
		var data any
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return fmt.Errorf("invalid --data: %w", err)
		}
		opts = append(opts, engine.WithTriggerData(data))
	}

	var sink *store.Sink
	if !cmd.Bool("ephemeral") {
		st, err := openStore(ctx, env.cfg.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()

		sink = store.NewSink(st, env.logger)
		opts = append(opts, engine.WithEventAppender(sink))

		vault, err := openVault(st, env.cfg)
		if err != nil {
			return err
		}
		if vault != nil {
			opts = append(opts, engine.WithCredentials(vault))
		}
	}

	e, err := engine.New(workflowIDFor(cmd.String("workflow-id"), doc.Graph, path), doc.Graph.Nodes, doc.Graph.Edges, opts...)
	if err != nil {
		return err
	}
	waitSink := func() {}
	if sink != nil {
		waitSink = sink.Attach(e)
	}

	// An interrupt stops the run gracefully instead of failing it.
	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() {
		select {
		case <-sigCtx.Done():
			_ = e.Stop()
		case <-e.Done():
		}
	}()

	runCtx := context.WithoutCancel(ctx)
	if cmd.Bool("step") {
		err = stepLoop(runCtx, e, stdin(cmd), stderr(cmd))
	} else {
		err = e.Execute(runCtx, engine.ExecuteOptions{Mode: schema.ModeFull})
	}
	if err != nil {
		return err
	}
	<-e.Done()
	waitSink()

	snap := e.Snapshot()
	if err := writeJSON(stdout(cmd), snap); err != nil {
		return err
	}
	if snap.Status == schema.ExecutionError {
		return fmt.Errorf("execution failed: %s", snap.Error)
	}
	return nil
}

// loadValidated reads and validates the graph at path, logging warnings.
func loadValidated(path string, registry *nodes.Registry, env *env) (*validation.Document, *schema.ValidationResult, error) {
	doc, err := validation.LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	validator, err := validation.NewGraphValidator(registry)
	if err != nil {
		return nil, nil, err
	}
	result := validator.Validate(doc)
	for _, w := range result.Warnings {
		env.logger.Warn("graph warning", "path", w.Path, "code", w.Code, "message", w.Message)
	}
	return doc, result, nil
}

func workflowIDFor(flag string, g *schema.WorkflowGraph, path string) string {
	switch {
	case flag != "":
		return flag
	case g.ID != "":
		return g.ID
	default:
		return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
}

const stepHelp = `commands:
  s, step               run the next node
  r, resume             run to the end
  q, stop               stop the run
  v, var <node> <name> [path]
                        promote a node output field to a variable
  state                 print the current state
  h, help               show this help`

// stepLoop starts e in step mode and drives it from commands read on in.
// End of input resumes the run to completion.
func stepLoop(ctx context.Context, e *engine.Engine, in io.Reader, out io.Writer) error {
	if err := e.Execute(ctx, engine.ExecuteOptions{Mode: schema.ModeStep}); err != nil {
		return err
	}
	printStep(out, e.Snapshot())

	scanner := bufio.NewScanner(in)
	for {
		select {
		case <-e.Done():
			return nil
		default:
		}

		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return resumeIfPaused(e)
		}
		fields := strings.Fields(scanner.Text())
		verb := "step"
		if len(fields) > 0 {
			verb = fields[0]
		}

		var err error
		switch verb {
		case "s", "step":
			if err = e.StepForward(); err == nil {
				printStep(out, e.Snapshot())
			}
		case "r", "resume":
			return resumeIfPaused(e)
		case "q", "stop":
			return e.Stop()
		case "v", "var":
			if len(fields) < 3 {
				err = errors.New("usage: var <node> <name> [path]")
				break
			}
			path := ""
			if len(fields) > 3 {
				path = fields[3]
			}
			if err = e.CreateVariable(fields[1], path, fields[2]); err == nil {
				fmt.Fprintf(out, "variables: %v\n", e.Variables())
			}
		case "state":
			err = writeJSON(out, e.Snapshot())
		case "h", "help":
			fmt.Fprintln(out, stepHelp)
		default:
			err = fmt.Errorf("unknown command %q (try help)", verb)
		}
		if err != nil {
			fmt.Fprintln(out, "error:", err)
		}
	}
}

func resumeIfPaused(e *engine.Engine) error {
	if e.Snapshot().Status != schema.ExecutionPaused {
		return nil
	}
	return e.Resume()
}

// printStep reports the status and the most recently recorded node.
func printStep(out io.Writer, s schema.ExecutionState) {
	keys := s.Outputs.Keys()
	if len(keys) == 0 {
		fmt.Fprintf(out, "%s\n", s.Status)
		return
	}
	last := keys[len(keys)-1]
	node, _ := s.Outputs.Get(last)
	line := fmt.Sprintf("%s after %s (%s)", s.Status, last, node.Status)
	if node.Branch != "" {
		line += " branch=" + node.Branch
	}
	if node.Error != "" {
		line += " error=" + node.Error
	}
	fmt.Fprintln(out, line)
}
