package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agencyflow/internal/app"
	"agencyflow/internal/config"
	"agencyflow/internal/db"
	"agencyflow/internal/engine"
	"agencyflow/internal/role"
)

var rootCmd = &cobra.Command{
	Use:   "af",
	Short: "agencyflow CLI",
	Long: `agencyflow runs the request-to-delivery workflow of a creative agency.
Core concepts:
- Requests: what a client asks for. Pending -> UnderReview -> Approved or Rejected. Approval creates the task.
- Tasks: the work itself, moved one lifecycle step at a time. Clients only ever see the board labels In Production, Review and Approved.
- Catalog: products with a price and an SLA in business days. A task freezes both when it is created.
- Activation tokens: single-use links that let a client or collaborator set a password.
- Onboarding: questionnaire answers; sensitive ones are encrypted and every reveal is audited.
- Event log: every change, view with 'af log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AGENCYFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-admin", "subject id the command acts as")
	flags.String("roles", "admin", "comma-separated role labels of the acting subject")
	flags.String("client-id", "", "client the acting subject belongs to")
	flags.String("profile", "", "act as this profile, with its stored roles")
	flags.String("acting-as-client", "", "admin only: scope reads to one client")
	flags.String("log-level", "", "override log level")
	for _, name := range []string{"workspace", "json", "actor-id", "roles", "client-id", "profile", "acting-as-client", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(onboardingCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(vaultCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default agencyflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
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
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate agencyflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			fmt.Println("config ok")
			return nil
		},
	}
}

// --- helpers ---

func openApp(ctx context.Context, async bool) (*app.App, error) {
	return app.Open(ctx, app.Options{
		Workspace:   viper.GetString("workspace"),
		LogLevel:    viper.GetString("log-level"),
		AsyncNotify: async,
	})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, role.Actor) error) error {
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()
	actor, err := resolveActor(ctx, a.Engine)
	if err != nil {
		return err
	}
	return fn(ctx, a.Engine, actor)
}

// resolveActor builds the acting subject from --profile, or from the raw
// --actor-id/--roles/--client-id flags.
func resolveActor(ctx context.Context, e engine.Engine) (role.Actor, error) {
	if profileID := viper.GetString("profile"); profileID != "" {
		a, err := e.ActorForProfile(ctx, profileID, nil)
		if err != nil {
			return role.Actor{}, err
		}
		if a.IsAdmin() {
			a.ViewingClientID = viper.GetString("acting-as-client")
		}
		return a, nil
	}
	return e.Actor(
		viper.GetString("actor-id"),
		splitList(viper.GetString("roles")),
		viper.GetString("client-id"),
		viper.GetString("acting-as-client"),
	), nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
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

// printTable renders rows, or v as JSON under --json.
func printTable(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o600)
}
