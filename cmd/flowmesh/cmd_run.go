package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/engine"
	"github.com/hupe1980/flowmesh/model"
	"github.com/hupe1980/flowmesh/runner"
)

// readOverview loads a project overview from a YAML or JSON file.
func readOverview(path string) (core.ProjectOverview, error) {
	var ov core.ProjectOverview
	data, err := os.ReadFile(path)
	if err != nil {
		return ov, fmt.Errorf("read overview: %w", err)
	}
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return ov, fmt.Errorf("parse overview %s: %w", path, err)
	}
	if strings.TrimSpace(ov.Title) == "" {
		return ov, fmt.Errorf("overview %s: title is required", path)
	}
	return ov, nil
}

// newRunCmd creates the "flowmesh run" subcommand.
func newRunCmd(a *app) *cobra.Command {
	var (
		name       string
		timeout    time.Duration
		restore    bool
		jsonOutput bool
		quiet      bool
	)
	cmd := &cobra.Command{
		Use:   "run <overview.yaml>",
		Short: "Run a project to completion",
		Long:  "Creates a manager session for the project overview and drives the hierarchy\nuntil no session is active or queued and no message is pending.\nThe overview file holds title, description, objectives, constraints and deliverables.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			overview, err := readOverview(args[0])
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			e, err := a.open(ctx)
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}
			defer func() { _ = e.close() }()

			m := a.model
			if m == nil {
				if m, err = e.cfg.NewModel(ctx, e.logger); err != nil {
					return fmt.Errorf("run: %w", err)
				}
			}
			p, err := e.cfg.NewParser()
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}
			ec, err := e.cfg.EngineConfig()
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}
			ec.Restore = ec.Restore || restore

			exec := engine.New(m, func(o *engine.Options) {
				o.Config = ec
				o.Store = e.store
				o.Parser = p
				o.Logger = e.logger
			})
			if err := exec.Start(ctx, ec); err != nil {
				return fmt.Errorf("run: %w", err)
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
				defer cancel()
				if err := exec.Stop(stopCtx); err != nil {
					e.logger.Warn("executor stop failed", "error", err)
				}
			}()

			progress := cmd.ErrOrStderr()
			r := runner.New(exec, func(o *runner.Options) {
				o.Timeout = timeout
				o.Logger = e.logger
				if !quiet {
					o.OnEvent = func(ev core.Event) { printEvent(progress, ev) }
				}
			})
			rep, err := r.Run(ctx, name, overview)
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}
			logUsage(e, m)

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(rep); err != nil {
					return fmt.Errorf("run: %w", err)
				}
			} else {
				renderReport(out, rep, DefaultTheme())
			}
			if !rep.Succeeded() {
				return fmt.Errorf("run: project %s ended %s with %d failed sessions", rep.RootID, rep.Status, len(rep.Errors))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "manager session name (default \"Manager - <title>\")")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "abort when the project has not settled after this duration")
	cmd.Flags().BoolVar(&restore, "restore", false, "load stored sessions before starting")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the report as JSON")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print progress events")
	return cmd
}

// printEvent writes the lifecycle events worth showing while a run is in progress.
func printEvent(w io.Writer, ev core.Event) {
	switch ev.Type {
	case core.EventSessionCreated, core.EventSessionActivated, core.EventSessionCompleted, core.EventSessionError:
		fmt.Fprintf(w, "%s %-20s %s\n", ev.Timestamp.Format("15:04:05"), ev.Type, ev.SessionID)
	}
}

// logUsage logs today's token usage of a rate limited model.
func logUsage(e *env, m model.Model) {
	rl, ok := m.(*model.RateLimited)
	if !ok {
		return
	}
	usage := rl.Usage()
	e.logger.Info("model usage",
		"day", usage.Day,
		"requests", usage.Requests,
		"prompt_tokens", usage.PromptTokens,
		"completion_tokens", usage.CompletionTokens)
}
