package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/surfdeck/surfdeck/internal/output"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui *output.UI

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "surfdeck",
	Short: "surfdeck - multi-session browser agent backend",
	Long: `surfdeck runs AI browser agents, one isolated browser per session.
The serve command starts the HTTP backend; each session gets its own
worker subprocess driving a real browser.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/surfdeck/config.yaml)")
}

func initConfig() {
	// API keys commonly live in a local .env during development.
	_ = godotenv.Load()

	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "surfdeck")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("SURFDECK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Defaults via viper.SetDefault()
	home, _ := os.UserHomeDir()
	defaultConfigDir := filepath.Join(home, ".config", "surfdeck")

	viper.SetDefault("state_dir", defaultConfigDir)
	viper.SetDefault("port", 8787)

	viper.SetDefault("session.ttl", "30m")
	viper.SetDefault("session.store", "memory")
	viper.SetDefault("session.dir", filepath.Join(defaultConfigDir, "sessions"))
	viper.SetDefault("session.db_path", filepath.Join(defaultConfigDir, "surfdeck.db"))
	viper.SetDefault("session.cleanup_interval", "5m")

	viper.SetDefault("conversation.store", "memory")
	viper.SetDefault("conversation.dir", filepath.Join(defaultConfigDir, "conversations"))

	viper.SetDefault("llm.provider", "anthropic")
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	viper.SetDefault("openai.api_key", "")
	viper.SetDefault("openai.model", "gpt-4o")
	viper.SetDefault("openai.base_url", "")

	viper.SetDefault("browser.headless", true)
	viper.SetDefault("browser.start_url", "https://www.google.com")
	viper.SetDefault("browser.max_concurrent", 10)

	viper.SetDefault("agent.max_supervisor_turns", 4)
	viper.SetDefault("agent.max_agent_turns", 6)
	viper.SetDefault("agent.max_action_steps", 3)

	// Empty means "this executable, worker subcommand".
	viper.SetDefault("worker.command", "")

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun
}
