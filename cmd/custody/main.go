package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"custodyline/internal/app"
	"custodyline/internal/config"
	"custodyline/internal/db"
	"custodyline/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "custody",
	Short: "Custodyline CLI",
	Long: `Custodyline records the chain of custody of mineral batches.
- Parties and facilities: who holds a batch and where it sits.
- Batches: a quantity of a commodity that moves Created -> InTransit -> Received -> Closed, with Dispute/Resolve as a detour.
- Events: immutable custody steps. Each one is canonicalized and fingerprinted, and the batch is resealed after every step.
- Documents: only their fingerprint is kept, so a copy can be checked without storing it.
- Anchors: fingerprints handed to an external ledger; an unconfirmed anchor never makes a batch invalid.
- Verify: recomputes every fingerprint and reports what no longer matches.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		envPath := filepath.Join(workspace, ".env")
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err != nil {
				return fmt.Errorf("load %s: %w", envPath, err)
			}
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
	viper.SetEnvPrefix("CUSTODYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(partyCmd())
	rootCmd.AddCommand(facilityCmd())
	rootCmd.AddCommand(documentCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(fingerprintCmd())
	rootCmd.AddCommand(anchorCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	var anchorSecret string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create custodyline.yml and the workspace directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(db.Config{Workspace: workspace}); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			if anchorSecret != "" {
				envPath := filepath.Join(workspace, ".env")
				if err := setEnvValue(envPath, config.Default().Anchor.HTTP.SecretEnv, anchorSecret); err != nil {
					return err
				}
				fmt.Printf("Stored anchor secret in %s\n", envPath)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	cmd.Flags().StringVar(&anchorSecret, "anchor-secret", "", "HMAC secret for the http anchor gateway, saved to .env")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate custodyline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := config.FromFile(path); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", path)
			return nil
		},
	})
	return c
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(viper.GetString("workspace"))
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Log.Level
	if override := viper.GetString("log-level"); override != "" {
		level = override
	}
	logger, err := logging.Init(level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// withApp opens the workspace, runs fn and waits for background anchoring before closing.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, viper.GetString("workspace"), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := fn(ctx, a); err != nil {
		return err
	}
	if a.Dispatcher != nil {
		a.Dispatcher.Wait()
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printJSONOrTable prints v as JSON with --json, otherwise renders the rows built by fill.
func printJSONOrTable(v any, header table.Row, fill func(table.Writer)) error {
	if viper.GetBool("json") || fill == nil {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
	fill(tw)
	tw.Render()
	return nil
}

func setEnvValue(path, key, value string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		env = map[string]string{}
	}
	env[key] = value
	return godotenv.Write(env, path)
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
