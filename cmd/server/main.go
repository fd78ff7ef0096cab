package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huangang/repoflow/internal/config"
	"github.com/huangang/repoflow/internal/services/approval"
	"github.com/huangang/repoflow/internal/services/automation"
	"github.com/huangang/repoflow/pkg/logger"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "repoflow",
		Short: "Governed repository automation",
		Long: `repoflow evaluates repository changes against automation rules, routes
risky decisions through approval workflows and notifies the people involved.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"), "path to config.yaml")

	cmd.AddCommand(newServeCommand(&configPath))
	cmd.AddCommand(newCheckPoliciesCommand(&configPath))
	return cmd
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, retry worker and sweeps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger.Init(cfg.Log.Level)
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	app, err := bootstrap(cfg)
	if err != nil {
		return err
	}
	defer app.shutdown()

	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	registerRoutes(r, app)

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Server starting on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func newCheckPoliciesCommand(configPath *string) *cobra.Command {
	var rulesFile string

	cmd := &cobra.Command{
		Use:   "check-policies [policy-file]",
		Short: "Validate an approval policy file and the custom rules file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			path := cfg.Approval.PolicyFile
			if len(args) == 1 {
				path = args[0]
			}
			if rulesFile == "" {
				rulesFile = cfg.Automation.RulesFile
			}
			return checkPolicies(cmd, path, rulesFile)
		},
	}
	cmd.Flags().StringVar(&rulesFile, "rules", "", "custom automation rules file (defaults to automation.rules_file)")
	return cmd
}

func checkPolicies(cmd *cobra.Command, policyPath, rulesPath string) error {
	out := cmd.OutOrStdout()

	f, err := approval.LoadPolicyFile(policyPath)
	if err != nil {
		return fmt.Errorf("%s: %w", policyPath, err)
	}
	registry := approval.NewPolicyRegistry()
	if err := registry.Load(f); err != nil {
		return fmt.Errorf("%s: %w", policyPath, err)
	}
	fmt.Fprintf(out, "%s: %d templates, %d policies OK\n", policyPath, len(f.Templates), len(f.Policies))
	for _, p := range registry.List() {
		fmt.Fprintf(out, "  %-24s %-20s %-24s %d step(s)\n", p.ID, p.RepositoryPattern, p.Type, len(p.Workflow.Steps))
	}

	if rulesPath == "" {
		return nil
	}
	rules, err := automation.LoadRulesFile(rulesPath)
	if err != nil {
		return fmt.Errorf("%s: %w", rulesPath, err)
	}
	if err := automation.NewEngine().ApplyCustomRules(rules); err != nil {
		return fmt.Errorf("%s: %w", rulesPath, err)
	}
	fmt.Fprintf(out, "%s: %d rules OK\n", rulesPath, len(rules))
	return nil
}
