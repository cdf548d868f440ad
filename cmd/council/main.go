package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentcouncil/internal/app"
	"agentcouncil/internal/db"
	"agentcouncil/internal/server"
	councilsdk "agentcouncil/sdk/go"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "council",
	Short: "Agent Council CLI",
	Long: `Agent Council coordinates a roster of specialised agents working on a book project.
- Houses: curator, harvester, builder, reviewer, vision and voice each own a set of message types.
- Tasks: queued work routed to an agent by type or target; retried with backoff, cancelled transitively.
- Sessions: one active working session per project; tasks join the active session.
- Proposals: agents ask before acting; humans (or auto-approve rules) decide.
- Signoffs: reviewers vote on structural changes; strictness decides whether work may proceed.
- Audit log: every decision is recorded, view with 'council log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		// values already in the environment win over the workspace .env
		if err := godotenv.Load(envPath(workspace)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envPath(workspace), err)
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("COUNCIL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides COUNCIL_PROJECT)")
	rootCmd.PersistentFlags().String("server", "", "council API base URL; mutating commands go through it when set")
	rootCmd.PersistentFlags().String("api-key", "", "API key for --server")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	for _, name := range []string{"workspace", "json", "actor-id", "project", "server", "api-key", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(signoffCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(versionCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the council and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := newLogger()
			a, err := app.Open(ctx, app.Options{
				Workspace: viper.GetString("workspace"),
				Logger:    logger,
				Version:   version,
			})
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Close(context.Background())
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := a.Close(sctx); err != nil {
					logger.Error("shutdown", "error", err)
				}
			}()

			if addr == "" {
				addr = a.Config.Server.Addr
			}
			if basePath == "" {
				basePath = a.Config.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:        viper.GetString("jwt-secret"),
				AllowActorHeader: a.Config.Server.AllowActorHeader,
				Logger:           logger,
			}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = a.Config.Server.JWTSecret
			}
			if authCfg.JWTSecret == "" {
				logger.Warn("COUNCIL_JWT_SECRET not set; bearer tokens are rejected")
			}
			handler, err := server.New(server.Config{Council: a.Council, BasePath: basePath, Auth: authCfg, Logger: logger})
			if err != nil {
				return err
			}
			hooks := server.NewWebhookDispatcher(a.Council.Repo, a.Config.Webhooks, server.WebhookOptions{Logger: logger})
			go hooks.Run(ctx)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			logger.Info("serving council API", "addr", addr, "base_path", basePath, "openapi", "/openapi.json", "docs", "/docs")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// --- helpers ---

func newLogger() *slog.Logger {
	return app.NewLogger(viper.GetString("log-level"), viper.GetString("log-format"))
}

// withApp opens the workspace without starting the background loops. Work
// queued here is picked up by a running `council serve`.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Logger:    newLogger(),
		Version:   version,
	})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

// remote returns an API client when --server is set.
func remote() (*councilsdk.Client, bool) {
	base := strings.TrimSpace(viper.GetString("server"))
	if base == "" {
		return nil, false
	}
	c := councilsdk.New(base)
	c.APIKey = viper.GetString("api-key")
	c.BearerToken = viper.GetString("token")
	c.ActorID = viper.GetString("actor-id")
	return c, true
}

func projectFlag() string {
	return strings.TrimSpace(viper.GetString("project"))
}

func parsePayload(raw string) (json.RawMessage, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("--payload must be valid JSON")
	}
	return json.RawMessage(raw), nil
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

func envPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".env")
}

// setEnvValue rewrites one key of a dotenv file, keeping the others.
func setEnvValue(path, key, value string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		env = map[string]string{}
	}
	env[key] = value
	return godotenv.Write(env, path)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
