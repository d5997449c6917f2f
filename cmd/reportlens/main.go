package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"reportlens/internal/app"
	"reportlens/internal/config"
	"reportlens/internal/logging"
	"reportlens/internal/repo"
	reportlenssdk "reportlens/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "reportlens",
	Short: "reportlens CLI",
	Long: `reportlens stores CTRF test reports in Elasticsearch and serves team-scoped analytics.
- Reports: uploaded CTRF documents, stamped with the uploader and their teams.
- Teams: membership lives in the workspace store (.reportlens/reportlens.db); a caller only sees reports of their teams and their own uploads.
- Roles: readonly reads, maintainer uploads, owner administers teams. Roles come from the identity provider token.
- Event log: audit trail of uploads and team changes, view with 'reportlens log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("REPORTLENS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	for _, key := range config.Keys() {
		_ = viper.BindEnv(key)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/reportlens.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor recorded for CLI team changes")
	_ = viper.BindPFlag("store.workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(indexCmd())
	rootCmd.AddCommand(teamCmd())
	rootCmd.AddCommand(uploadCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				viper.Set("server.addr", addr)
			}
			if cmd.Flags().Changed("base-path") {
				viper.Set("server.base_path", basePath)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				handler, err := a.Handler(nil)
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: a.Config.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				if err := a.Indexes.EnsureIndexExists(ctx); err != nil {
					a.Log.WithError(err).Warn("index not ensured at startup; retrying on first request")
				}
				a.Log.WithField("addr", a.Config.Server.Addr).WithField("base_path", a.Config.Server.BasePath).
					Info("serving reportlens API (OpenAPI at /openapi.json, Swagger UI at /docs)")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path, e.g. /v0")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default reportlens.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.LoadConfig(configPath(), viper.GetViper())
			if err != nil {
				return err
			}
			c.Search.Password = redact(c.Search.Password)
			if viper.GetBool("json") {
				return printJSON(c)
			}
			enc := yaml.NewEncoder(os.Stdout)
			defer enc.Close()
			return enc.Encode(c)
		},
	}
	cfg.AddCommand(initCmd, showCmd)
	return cfg
}

func indexCmd() *cobra.Command {
	idx := &cobra.Command{Use: "index", Short: "Report index lifecycle"}
	idx.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create the report index with the canonical mapping if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Indexes.EnsureIndexExists(ctx); err != nil {
					return err
				}
				fmt.Println("index ready:", a.Indexes.Index())
				return nil
			})
		},
	})
	idx.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Probe the search backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				h := a.Indexes.Health(ctx)
				if viper.GetBool("json") {
					return printJSON(h)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Index", "Connected", "Cluster", "Exists", "Documents", "Error"})
				tw.AppendRow(table.Row{a.Indexes.Index(), h.Connected, h.ClusterStatus, h.IndexExists, h.DocumentCount, h.Error})
				tw.Render()
				return nil
			})
		},
	})
	return idx
}

func teamCmd() *cobra.Command {
	team := &cobra.Command{
		Use:   "team",
		Short: "Manage teams and memberships",
		Long:  "Teams scope every analytics query. Changes apply to the next request; nothing is cached.",
	}
	team.AddCommand(teamCreateCmd(), teamListCmd(), teamAddMemberCmd(), teamRemoveMemberCmd(), teamMembersCmd())
	return team
}

func teamCreateCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Teams.CreateTeam(ctx, viper.GetString("actor-id"), id, args[0])
				if err != nil {
					return err
				}
				return printJSONOrLine(t, fmt.Sprintf("created team %s (%s)", t.ID, t.Name))
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "team id (derived from the name when empty)")
	return cmd
}

func teamListCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List teams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				teams, err := a.Teams.ListTeams(ctx, user, user == "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(teams)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, t := range teams {
					tw.AppendRow(table.Row{t.ID, t.Name, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "only teams of this subject")
	return cmd
}

func teamAddMemberCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "add-member <team> <subject>",
		Short: "Add a subject to a team",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Teams.AddMember(ctx, viper.GetString("actor-id"), args[0], args[1], role)
				if err != nil {
					return err
				}
				return printJSONOrLine(m, fmt.Sprintf("added %s to %s as %s", m.UserID, m.TeamID, m.Role))
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", repo.MemberRole, "member or admin")
	return cmd
}

func teamRemoveMemberCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-member <team> <subject>",
		Short: "Remove a subject from a team",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Teams.RemoveMember(ctx, viper.GetString("actor-id"), args[0], args[1]); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"team_id": args[0], "user_id": args[1]})
				}
				fmt.Printf("removed %s from %s\n", args[1], args[0])
				return nil
			})
		},
	}
}

func teamMembersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "members <team>",
		Short: "List team members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				detail, err := a.Teams.GetTeam(ctx, "", args[0], true)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(detail)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Subject", "Role", "Since"})
				for _, m := range detail.Members {
					tw.AppendRow(table.Row{m.UserID, m.Role, m.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func uploadCmd() *cobra.Command {
	var baseURL, token string
	cmd := &cobra.Command{
		Use:   "upload <report.json>...",
		Short: "Upload CTRF reports to a running server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("REPORTLENS_TOKEN")
			}
			if token == "" {
				return fmt.Errorf("a bearer token is required (--token or REPORTLENS_TOKEN)")
			}
			client := reportlenssdk.New(baseURL, token)
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"File", "Report", "Tests", "Failed"})
			var receipts []reportlenssdk.Receipt
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				receipt, err := client.UploadReport(cmd.Context(), data)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				receipts = append(receipts, receipt)
				tw.AppendRow(table.Row{path, receipt.ID, receipt.Summary.Tests, receipt.Summary.Failed})
			}
			if viper.GetBool("json") {
				return printJSON(receipts)
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:8080", "API base URL including any base path")
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit event log",
		Long:  "Uploads and team changes, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var (
		n       int
		after   int64
		evtType string
		report  string
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conn, err := app.OpenStore(ctx, workspace())
			if err != nil {
				return err
			}
			defer conn.Close()
			r := repo.Repo{DB: conn}
			var items any
			if after > 0 {
				items, err = r.EventsAfter(ctx, after, n)
			} else {
				items, err = r.LatestEvents(ctx, repo.EventFilter{Type: evtType, ReportID: report, Limit: n})
			}
			if err != nil {
				return err
			}
			return printJSONOrTable(items)
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this id, oldest first")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&report, "report-id", "", "report id filter")
	return cmd
}

// --- helpers ---

func workspace() string {
	if ws := viper.GetString("store.workspace"); ws != "" {
		return ws
	}
	return "."
}

func configPath() string {
	if p := viper.GetString("config"); p != "" {
		return p
	}
	return config.Path(workspace())
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := app.LoadConfig(configPath(), viper.GetViper())
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSONOrLine(v any, line string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(line)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
