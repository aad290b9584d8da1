package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crewline/internal/config"
	"crewline/internal/coordinator"
	"crewline/internal/db"
	"crewline/internal/engine"
	"crewline/internal/migrate"
	"crewline/internal/server"
	crewlinesdk "crewline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Crewline CLI",
	Long: `Crewline turns repository events into coordinated specialist teams.
- Events: signed deliveries (push, pull_request, issues, release) land on the ingest endpoint.
- Classification: only significant events trigger work; the rest are acknowledged and dropped.
- Units: each trigger admits one coordination unit under a concurrency cap.
- Teams: units carry a deduplicated role team with an elected lead and a coordination strategy.
- Supervision: every active unit is polled against the coordination backend until it completes or times out.
- History: finished units and the audit log persist in the .crewline workspace database.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CREWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080", "server base URL")
	rootCmd.PersistentFlags().String("token", "", "bearer token for API calls")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(unitsCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())
}

var version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("cl", version)
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			coord := coordinator.NewClient(cfg.Coordinator.BaseURL, cfg.Coordinator.Token, cfg.RequestTimeout())
			e := engine.New(conn, cfg, coord)
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: cfg.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:              cfg.Auth.JWTSecret,
					AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
				},
			})
			if err != nil {
				return err
			}
			server.StartNotifyDispatcher(e)
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Crewline API on http://%s%s (OpenAPI at %s/openapi.json)\n", cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func triggerCmd() *cobra.Command {
	var repository, kind string
	var contextPairs, capabilities []string
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Manually admit a coordination unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctxMap, err := parsePairs(contextPairs)
			if err != nil {
				return err
			}
			unit, err := apiClient().Trigger(cmd.Context(), crewlinesdk.TriggerRequest{
				Repository:   repository,
				Kind:         kind,
				Context:      ctxMap,
				Capabilities: capabilities,
			})
			if err != nil {
				return err
			}
			return printJSONOrTable(unit)
		},
	}
	cmd.Flags().StringVar(&repository, "repository", "", "repository full name (owner/name)")
	cmd.Flags().StringVar(&kind, "kind", "manual", "trigger kind")
	cmd.Flags().StringArrayVar(&contextPairs, "context", []string{}, "context entry key=value (repeatable)")
	cmd.Flags().StringArrayVar(&capabilities, "capability", []string{}, "required capability (repeatable)")
	_ = cmd.MarkFlagRequired("repository")
	return cmd
}

func unitsCmd() *cobra.Command {
	units := &cobra.Command{
		Use:   "units",
		Short: "Inspect active units",
	}
	units.AddCommand(unitsListCmd())
	units.AddCommand(unitsGetCmd())
	return units
}

func unitsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active units",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := apiClient().Units(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Repository", "Kind", "Status", "Workers", "Lead", "Progress"})
			for _, u := range items {
				tw.AppendRow(table.Row{u.ID, u.Repository, u.Kind, u.Status, u.WorkerCount, u.LeadRole, fmt.Sprintf("%d%%", u.Progress.Completion)})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func unitsGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one active unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			unit, err := apiClient().Unit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(unit)
		},
	}
	return cmd
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List finished units",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := apiClient().History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(records)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Unit", "Repository", "Kind", "Status", "Duration", "Summary"})
			for _, r := range records {
				tw.AppendRow(table.Row{r.UnitID, r.Repository, r.Kind, r.Status, fmt.Sprintf("%ds", r.DurationSeconds), r.Outcome.Summary})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "number of records")
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show scheduler counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiClient().Stats(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(resp)
			}
			fmt.Printf("Triggered: %d\n", resp.Stats.Triggered)
			fmt.Printf("Completed: %d\n", resp.Stats.Completed)
			fmt.Printf("Failed:    %d\n", resp.Stats.Failed)
			fmt.Printf("Timed out: %d\n", resp.Stats.TimedOut)
			fmt.Printf("Avg duration: %.1fs\n", resp.Stats.AvgDurationSeconds)
			fmt.Printf("Active: %d\n", resp.ActiveCount)
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Audit event log",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := apiClient().Log(cmd.Context(), n)
			if err != nil {
				return err
			}
			return printJSONOrTable(events)
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func eventCmd() *cobra.Command {
	evt := &cobra.Command{
		Use:   "event",
		Short: "Deliver events",
	}
	evt.AddCommand(eventSendCmd())
	return evt
}

func eventSendCmd() *cobra.Command {
	var kind, deliveryID, secret, filePath string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a signed event payload from a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			res, err := apiClient().SendEvent(cmd.Context(), kind, deliveryID, secret, body)
			if err != nil {
				return err
			}
			return printJSONOrTable(res)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "push", "event kind")
	cmd.Flags().StringVar(&deliveryID, "delivery", "", "delivery id")
	cmd.Flags().StringVar(&secret, "secret", "", "HMAC secret (signs the payload when set)")
	cmd.Flags().StringVar(&filePath, "file", "", "path to JSON payload")
	_ = cmd.MarkFlagRequired("delivery")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default crewline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

// --- helpers ---

func apiClient() *crewlinesdk.Client {
	c := crewlinesdk.New(viper.GetString("server"))
	c.BearerToken = viper.GetString("token")
	return c
}

func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid context entry %q, expected key=value", p)
		}
		out[key] = value
	}
	return out, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
