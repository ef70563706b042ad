package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kestrelhq/kestrel/internal/agent"
	"github.com/kestrelhq/kestrel/internal/budget"
	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/internal/consent"
	"github.com/kestrelhq/kestrel/internal/llm"
	"github.com/kestrelhq/kestrel/internal/memory"
	"github.com/kestrelhq/kestrel/internal/observability"
	"github.com/kestrelhq/kestrel/internal/safety"
	"github.com/kestrelhq/kestrel/internal/scheduler"
	"github.com/kestrelhq/kestrel/internal/tools"
	"github.com/kestrelhq/kestrel/internal/tools/files"
)

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "kestrel",
		Short: "Kestrel is an autonomous tool-using agent runtime",
		Long: `Kestrel runs tasks through a think/decide/act/observe loop against
Anthropic or OpenAI models, with safety approval, budget enforcement,
and persistent memory.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to configuration file")

	root.AddCommand(newRunCommand(&configPath))
	root.AddCommand(newValidateCommand(&configPath))
	root.AddCommand(newVersionCommand())
	return root
}

func defaultConfigPath() string {
	if path := os.Getenv("KESTREL_CONFIG"); path != "" {
		return path
	}
	return "kestrel.yaml"
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kestrel %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

func newValidateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("Configuration is valid.")
			return nil
		},
	}
}

func newRunCommand(configPath *string) *cobra.Command {
	var showDecisions bool
	var approvalMode string

	cmd := &cobra.Command{
		Use:   "run [task]",
		Short: "Run a single task through the agent loop",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if approvalMode != "" {
				cfg.Agent.Safety.ApprovalMode = approvalMode
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runTask(cmd.Context(), cfg, strings.Join(args, " "), showDecisions)
		},
	}
	cmd.Flags().BoolVar(&showDecisions, "show-decisions", false, "print the decision log after the task")
	cmd.Flags().StringVar(&approvalMode, "approval-mode", "", "override the approval mode (safe|cautious|paranoid|yolo)")
	return cmd
}

// loadConfig reads the config file, falling back to defaults plus
// environment API keys when the file is absent.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if !os.IsNotExist(err) && !strings.Contains(err.Error(), "no such file") {
			return nil, err
		}
		cfg = config.Default()
	}
	if cfg.Provider.APIKey == "" {
		switch cfg.Provider.Name {
		case "openai":
			cfg.Provider.APIKey = os.Getenv("OPENAI_API_KEY")
		default:
			cfg.Provider.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
	return cfg, nil
}

func buildProvider(cfg *config.Config) (llm.Provider, error) {
	switch cfg.Provider.Name {
	case "openai":
		return llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:    cfg.Provider.APIKey,
			Model:     cfg.Provider.Model,
			BaseURL:   cfg.Provider.BaseURL,
			MaxTokens: cfg.Provider.MaxTokens,
		})
	default:
		return llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey:    cfg.Provider.APIKey,
			Model:     cfg.Provider.Model,
			BaseURL:   cfg.Provider.BaseURL,
			MaxTokens: cfg.Provider.MaxTokens,
		})
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func runTask(ctx context.Context, cfg *config.Config, task string, showDecisions bool) error {
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry()
	registry.Register(&tools.EchoTool{})
	registry.Register(&tools.DateTimeTool{})
	registry.Register(&tools.CalculatorTool{})

	wsCfg := files.Config{Workspace: cfg.Workspace.Root, MaxReadBytes: cfg.Workspace.MaxReadBytes}
	registry.Register(files.NewReadFileTool(wsCfg))
	registry.Register(files.NewWriteFileTool(wsCfg))
	registry.Register(files.NewEditFileTool(wsCfg))
	registry.Register(files.NewApplyPatchTool(wsCfg))
	registry.Register(files.NewListFilesTool(wsCfg))

	callbacks := buildCallbacks(cfg)
	if cfg.Metrics.Enabled {
		metrics := observability.NewMetrics(nil)
		callbacks = observability.Instrument(callbacks, metrics)
		go func() {
			if err := http.ListenAndServe(cfg.Metrics.Addr, observability.Handler(nil)); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	opts := []agent.Option{
		agent.WithLogger(logger),
		agent.WithCallbacks(callbacks),
	}

	if cfg.Agent.Knowledge.Path != "" {
		longTerm, err := memory.NewLongTerm(cfg.Agent.Knowledge)
		if err != nil {
			return fmt.Errorf("opening long-term memory: %w", err)
		}
		defer longTerm.Close()
		opts = append(opts, agent.WithLongTerm(longTerm))
	}
	if cfg.Agent.Consent.Enabled {
		store, err := consent.NewStore(cfg.Agent.Consent)
		if err != nil {
			return fmt.Errorf("opening consent store: %w", err)
		}
		defer store.Close()
		opts = append(opts, agent.WithConsentStore(store))
	}
	if cfg.Agent.Safety.Audit.Enabled {
		auditLogger, err := safety.NewAuditLogger(cfg.Agent.Safety.Audit)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		opts = append(opts, agent.WithAuditLogger(auditLogger))
	}

	orch := agent.NewOrchestrator(provider, registry, cfg.Agent, opts...)

	runner := scheduler.RunnerFunc(func(ctx context.Context, task string) error {
		_, err := orch.ProcessTask(ctx, task)
		return err
	})
	sched, triggers, err := scheduler.Load(cfg.Scheduler, runner, func(reminder string) {
		fmt.Println("\n[reminder]", reminder)
	}, logger)
	if err != nil {
		return fmt.Errorf("loading scheduler: %w", err)
	}
	defer sched.Stop()
	if triggers > 0 {
		logger.Info("scheduler started", "triggers", triggers)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		orch.Cancel()
	}()

	result, err := orch.ProcessTask(ctx, task)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Task %s finished in %d iteration(s), $%.4f spent.\n",
		result.TaskID, result.Iterations, result.TotalCost)

	if showDecisions {
		printDecisions(orch)
	}
	return nil
}

func buildCallbacks(cfg *config.Config) agent.Callbacks {
	stdin := bufio.NewReader(os.Stdin)
	streaming := cfg.Agent.LLM.UseStreaming

	return agent.Callbacks{
		OnToken: func(token string) {
			fmt.Print(token)
		},
		OnAssistantMessage: func(text string) {
			if !streaming && text != "" {
				fmt.Println(text)
			}
		},
		OnToolStart: func(name string, _ json.RawMessage) {
			fmt.Printf("\n[tool] %s...\n", name)
		},
		OnToolResult: func(name, payload string, isError bool) {
			if isError {
				fmt.Printf("[tool] %s failed: %s\n", name, payload)
			}
		},
		OnApprovalRequested: func(ac safety.ApprovalContext) safety.ApprovalReply {
			fmt.Printf("\nApproval required: %s\n", ac.Reasoning)
			for _, c := range ac.Consequences {
				fmt.Println("  -", c)
			}
			if ac.Preview != "" {
				fmt.Println("  preview:", ac.Preview)
			}
			fmt.Print("Allow? [y]es / [a]ll similar / [N]o: ")
			line, _ := stdin.ReadString('\n')
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "y", "yes":
				return safety.ReplyApprove
			case "a", "all":
				return safety.ReplyApproveAllSimilar
			default:
				return safety.ReplyDeny
			}
		},
		OnClarificationRequest: func(question string) string {
			fmt.Printf("\n%s\n> ", question)
			line, _ := stdin.ReadString('\n')
			return strings.TrimSpace(line)
		},
		OnBudgetWarning: func(check budget.CheckResult) {
			fmt.Println("\n[budget]", check.Message)
		},
		OnProgress: func(message string) {
			fmt.Println("\n[progress]", message)
		},
		OnContextHealth: func(level agent.ContextHealthLevel, utilization float64) {
			fmt.Printf("\n[context] %s: window %.0f%% full\n", level, utilization*100)
		},
		OnCostPrediction: func(p agent.CostPrediction) {
			fmt.Printf("\n[cost] next call estimated at $%.4f\n", p.EstimatedCost)
		},
		OnReminder: func(reminder string) {
			fmt.Println("\n[reminder]", reminder)
		},
	}
}

func printDecisions(orch *agent.Orchestrator) {
	records := orch.Decisions().Recent(20)
	if len(records) == 0 {
		return
	}
	fmt.Println("\nDecision log (most recent first):")
	for _, rec := range records {
		fmt.Printf("  #%d %-12s %-20s %s (confidence %.2f)\n",
			rec.Iteration, rec.Type, rec.Action, rec.Outcome, rec.Confidence)
	}
}
