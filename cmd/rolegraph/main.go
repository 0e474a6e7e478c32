package main

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/rolegraph/rolegraph/internal/auth"
	"github.com/rolegraph/rolegraph/internal/config"
	"github.com/rolegraph/rolegraph/internal/logger"
)

var version = "dev"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "rolegraph",
	Short: "Real-time knowledge graph hub for role models",
	Long: `rolegraph streams generation progress, agent thoughts and knowledge
graph updates to viewers subscribed to a role model, and persists the
graph to Neo4j with a local fallback.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		if configPath != "" {
			os.Setenv("ROLEGRAPH_CONFIG", configPath)
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("rolegraph %s\n", version)
		fmt.Printf("go version: %s\n", runtime.Version())
		fmt.Printf("platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

var tokenTTL string

var tokenCmd = &cobra.Command{
	Use:   "token <userId> [username]",
	Short: "Mint a session token for local testing",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(_ *cobra.Command, args []string) error {
		cfg := loadConfig()
		if cfg.JWTSecret == "" {
			return fmt.Errorf("ROLEGRAPH_JWT_SECRET is not set; tokens would not verify against the server")
		}
		username := args[0]
		if len(args) == 2 {
			username = args[1]
		}
		ttl, err := parseTTL(tokenTTL)
		if err != nil {
			return err
		}
		token, err := auth.NewService(cfg.JWTSecret).GenerateTokenWithTTL(args[0], username, ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./rolegraph.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")

	tokenCmd.Flags().StringVar(&tokenTTL, "ttl", "24h", "token lifetime")

	rootCmd.AddCommand(serveCmd, watchCmd, probeCmd, tokenCmd, versionCmd)
}

// loadConfig resolves configuration and applies the log level.
func loadConfig() *config.Config {
	cfg := config.Load()
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logger.SetLevel(level)
	return cfg
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func parseTTL(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid --ttl %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid --ttl %q: must be positive", s)
	}
	return d, nil
}
