// Package main provides loomctl, the operator command-line tool for the
// loom gateway: config validation, plugin discovery, and budget
// inspection.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	loom "github.com/loom-ai/gateway"
	"github.com/loom-ai/gateway/internal/version"
	"github.com/loom-ai/gateway/plugin"

	// Register built-in plugins so they appear in the plugin list.
	_ "github.com/loom-ai/gateway/internal/plugins/cache"
	_ "github.com/loom-ai/gateway/internal/plugins/logger"
	_ "github.com/loom-ai/gateway/internal/plugins/maxtoken"
	_ "github.com/loom-ai/gateway/internal/plugins/paramrewrite"
	_ "github.com/loom-ai/gateway/internal/plugins/schemaguard"
	_ "github.com/loom-ai/gateway/internal/plugins/wordfilter"
)

func main() {
	root := &cobra.Command{
		Use:   "loomctl",
		Short: "Operator CLI for the loom gateway",
	}

	root.AddCommand(validateCmd(), pluginsCmd(), versionCmd(), budgetCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a gateway configuration file (JSON/YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loom.LoadConfig(args[0])
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := loom.ValidateConfig(*cfg); err != nil {
				return fmt.Errorf("validation error: %w", err)
			}

			fmt.Printf("✓ Config is valid\n")
			fmt.Printf("  Strategy:  %s\n", cfg.Strategy.Mode)
			fmt.Printf("  Targets:   %d\n", len(cfg.Targets))

			var targetNames []string
			for _, t := range cfg.Targets {
				targetNames = append(targetNames, t.VirtualKey)
			}
			fmt.Printf("  Providers: %s\n", strings.Join(targetNames, ", "))

			if len(cfg.Plugins) > 0 {
				var pluginNames []string
				for _, p := range cfg.Plugins {
					status := "disabled"
					if p.Enabled {
						status = "enabled"
					}
					pluginNames = append(pluginNames, fmt.Sprintf("%s (%s)", p.Name, status))
				}
				fmt.Printf("  Plugins:   %s\n", strings.Join(pluginNames, ", "))
			}
			if cfg.Budget.TotalBudget > 0 {
				fmt.Printf("  Budget:    total=$%.2f daily=$%.2f monthly=$%.2f per_request=$%.2f\n",
					cfg.Budget.TotalBudget, cfg.Budget.DailyLimit, cfg.Budget.MonthlyLimit, cfg.Budget.PerRequestLimit)
			}
			return nil
		},
	}
}

func pluginsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List all registered plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := plugin.RegisteredPlugins()
			if len(names) == 0 {
				fmt.Println("No plugins registered.")
				return nil
			}
			fmt.Println("Registered plugins:")
			for _, name := range names {
				factory, _ := plugin.GetFactory(name)
				p := factory()
				fmt.Printf("  %-20s type=%s\n", name, p.Type())
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("loomctl %s\n", version.String())
		},
	}
}

func budgetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget <config-file>",
		Short: "Show the budget limits configured for a gateway config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loom.LoadConfig(args[0])
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			b := cfg.Budget
			fmt.Printf("total_budget:     $%s\n", humanize.CommafWithDigits(b.TotalBudget, 2))
			fmt.Printf("daily_limit:      $%s\n", humanize.CommafWithDigits(b.DailyLimit, 2))
			fmt.Printf("monthly_limit:    $%s\n", humanize.CommafWithDigits(b.MonthlyLimit, 2))
			fmt.Printf("per_request_limit: $%s\n", humanize.CommafWithDigits(b.PerRequestLimit, 4))
			fmt.Printf("alert_cooldown:   %s\n", b.AlertCooldown)
			return nil
		},
	}
	return cmd
}

// dashboardSummary mirrors the JSON shape returned by the admin dashboard
// handler (internal/admin.Handlers.dashboard).
type dashboardSummary struct {
	Providers struct {
		Total     int `json:"total"`
		Available int `json:"available"`
	} `json:"providers"`
	Keys struct {
		Total      int   `json:"total"`
		Active     int   `json:"active"`
		Expired    int   `json:"expired"`
		TotalUsage int64 `json:"total_usage"`
	} `json:"keys"`
	RequestLogs struct {
		Enabled bool `json:"enabled"`
		Total   int  `json:"total"`
	} `json:"request_logs"`
}

func statusCmd() *cobra.Command {
	var baseURL string
	var token string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch and display a running gateway's dashboard summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequest(http.MethodGet, strings.TrimRight(baseURL, "/")+"/admin/dashboard", nil)
			if err != nil {
				return fmt.Errorf("building request: %w", err)
			}
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}

			client := &http.Client{Timeout: timeout}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("contacting gateway at %s: %w", baseURL, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("gateway returned %s", resp.Status)
			}

			var summary dashboardSummary
			if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
				return fmt.Errorf("decoding dashboard response: %w", err)
			}

			fmt.Printf("providers:    %d total, %d available\n", summary.Providers.Total, summary.Providers.Available)
			fmt.Printf("api keys:     %d total, %d active, %d expired\n", summary.Keys.Total, summary.Keys.Active, summary.Keys.Expired)
			fmt.Printf("key usage:    %s requests\n", humanize.Comma(summary.Keys.TotalUsage))
			if summary.RequestLogs.Enabled {
				fmt.Printf("request logs: %s entries\n", humanize.Comma(int64(summary.RequestLogs.Total)))
			} else {
				fmt.Printf("request logs: disabled\n")
			}
			fmt.Printf("fetched:      %s\n", humanize.Time(time.Now()))
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8080", "base URL of the running gateway's admin API")
	cmd.Flags().StringVar(&token, "token", "", "admin API bearer token")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}
