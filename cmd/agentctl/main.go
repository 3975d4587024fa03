// Package main provides agentctl, the command-line entrypoint for the
// agent orchestration control plane: run a single agent, execute a
// registered pipeline, and approve or deny pending human-escalation
// requests.
//
// Usage:
//
//	agentctl run --command claude --prompt "fix the bug"
//	agentctl pipeline run --config pipeline.yaml
//	agentctl approve
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/agentctl/orchestrator/cmd/agentctl/approvetui"
	"github.com/agentctl/orchestrator/internal/config"
	"github.com/agentctl/orchestrator/internal/executor"
	"github.com/agentctl/orchestrator/internal/executormetrics"
	"github.com/agentctl/orchestrator/internal/permission"
	"github.com/agentctl/orchestrator/internal/pipeline"
)

// Version is set at build time.
var Version = "dev"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := newRootCmd(logger).Execute(); err != nil {
		logger.Error("agentctl: command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:     "agentctl",
		Short:   "Supervise and arbitrate interactive AI coding agents",
		Version: Version,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML configuration file")

	root.AddCommand(newRunCmd(logger, &configPath))
	root.AddCommand(newPipelineCmd(logger, &configPath))
	root.AddCommand(newApproveCmd(logger))

	return root
}

func newRunCmd(logger *slog.Logger, configPath *string) *cobra.Command {
	var command, prompt, metricsAddr string
	var policy string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Spawn an agent and execute a single prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			permMgr := permission.NewManager(permissionConfigFromFlag(policy))
			opts := executor.DefaultOptions()
			opts.Command = command
			opts.Logger = logger
			opts.AllowedToolPatterns = permMgr.CLIArgs()

			if *configPath != "" {
				cfg, err := config.Load(*configPath)
				if err != nil {
					return err
				}
				applyExecutorConfig(opts, cfg.Executor)
			}

			exec := executor.New(opts, permMgr)
			go logEvents(cmd.Context(), logger, exec)

			collectors := executormetrics.New()
			reg := prometheus.NewRegistry()
			collectors.MustRegister(reg)
			if metricsAddr != "" {
				go serveMetrics(logger, metricsAddr, reg)
			}
			go syncMetrics(cmd.Context(), exec, collectors)

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()

			output, err := exec.Execute(ctx, prompt)
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}
			fmt.Println(output)
			return nil
		},
	}

	cmd.Flags().StringVar(&command, "command", "claude", "agent CLI binary to spawn")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt to send the agent")
	cmd.Flags().StringVar(&policy, "policy", "standard", "permission policy: read_only|standard|strict|permissive")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090)")
	_ = cmd.MarkFlagRequired("prompt")

	return cmd
}

func applyExecutorConfig(opts *executor.Options, ec config.ExecutorConfig) {
	if ec.Command != "" {
		opts.Command = ec.Command
	}
	opts.ExtraArgs = append(opts.ExtraArgs, ec.ExtraArgs...)
	if ec.WorkDir != "" {
		opts.WorkDir = ec.WorkDir
	}
	if d, err := config.ParseDuration(ec.CompletionPollInterval, opts.CompletionPollInterval); err == nil {
		opts.CompletionPollInterval = d
	}
	if d, err := config.ParseDuration(ec.CompletionTimeout, opts.CompletionTimeout); err == nil {
		opts.CompletionTimeout = d
	}
	if d, err := config.ParseDuration(ec.HumanResponseTimeout, opts.HumanResponseTimeout); err == nil {
		opts.HumanResponseTimeout = d
	}
	opts.AutoApproveEscalations = ec.AutoApproveEscalations
}

func serveMetrics(logger *slog.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Info("agentctl: serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("agentctl: metrics server exited", "error", err)
	}
}

func syncMetrics(ctx context.Context, exec *executor.Executor, collectors *executormetrics.Collectors) {
	var prev executor.Metrics
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := exec.Metrics()
			collectors.Sync(prev, cur)
			prev = cur
		}
	}
}

func newPipelineCmd(logger *slog.Logger, configPath *string) *cobra.Command {
	pipelineCmd := &cobra.Command{Use: "pipeline", Short: "Manage and run registered pipelines"}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run every pipeline declared in the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if *configPath == "" {
				return fmt.Errorf("pipeline run: --config is required")
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			runner := pipeline.NewRunner(logger)
			for _, pc := range cfg.Pipelines {
				def := &pipeline.Definition{
					ID:            pc.ID,
					Name:          pc.Name,
					DefaultInput:  pc.DefaultInput,
					InputSchema:   pc.InputSchema,
					StopOnFailure: pc.StopOnFailure,
				}
				for _, sc := range pc.Stages {
					def.Stages = append(def.Stages, pipeline.Stage{
						Name: sc.Name, Agent: sc.Agent, PromptTemplate: sc.PromptTemplate,
					})
				}
				id, err := runner.Register(def)
				if err != nil {
					return fmt.Errorf("pipeline run: register %s: %w", pc.Name, err)
				}

				exec, err := runner.Run(cmd.Context(), id, nil)
				if err != nil {
					logger.Error("pipeline run: stage failed", "pipeline", pc.Name, "error", err)
					continue
				}
				logger.Info("pipeline run: completed", "pipeline", pc.Name, "status", exec.Status.String())
			}
			return nil
		},
	}

	pipelineCmd.AddCommand(runCmd)
	return pipelineCmd
}

func newApproveCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Open an interactive terminal UI for pending human-escalation requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			permMgr := permission.NewManager(permission.DefaultConfig())
			return approvetui.Run(permMgr)
		},
	}
	return cmd
}

func permissionConfigFromFlag(policy string) *permission.Config {
	cfg := permission.DefaultConfig()
	switch policy {
	case "read_only":
		cfg.Policy = permission.ReadOnly
	case "strict":
		cfg.Policy = permission.Strict
	case "permissive":
		cfg.Policy = permission.Permissive
	default:
		cfg.Policy = permission.Standard
	}
	return cfg
}

func logEvents(ctx context.Context, logger *slog.Logger, exec *executor.Executor) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-exec.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case executor.StateChanged:
				logger.Info("executor: state changed", "from", ev.Old.String(), "to", ev.New.String())
			case executor.Output:
				fmt.Print(ev.Content)
			case executor.ToolExecution:
				logger.Debug("executor: tool execution", "tool", ev.ToolName, "is_error", ev.IsError)
			case executor.PermissionRequired:
				logger.Warn("executor: permission required", "tool", ev.ToolName, "request_id", ev.RequestID)
			case executor.ExecutorError:
				logger.Error("executor: error", "message", ev.Message, "recoverable", ev.Recoverable)
			}
		}
	}
}
