package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "ROLEGRAPH"

type Config struct {
	Port        int
	BindAddress string
	DataDir     string
	LogLevel    string
	JWTSecret   string
	DevMode     bool

	// Primary graph backend. Leaving any of URI/User/Password empty starts
	// the storage adapter directly on the fallback backend.
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string
	Neo4jDatabase string

	// Fallback is "sqlite" or "memory".
	Fallback string

	HeartbeatInterval   time.Duration
	GraphConnectTimeout time.Duration
	GraphQueryTimeout   time.Duration

	AllowedOrigins []string

	ConfigFile string
}

const (
	defaultPort              = 8420
	defaultBind              = "127.0.0.1"
	defaultHeartbeatInterval = 30 * time.Second
	defaultConnectTimeout    = 5 * time.Second
	defaultQueryTimeout      = 10 * time.Second
)

// Load resolves configuration from, in order of precedence, environment
// variables (ROLEGRAPH_*), a .env file, an optional YAML config file and defaults.
// Invalid values fall back to defaults rather than failing startup.
func Load() *Config {
	loadEnvFiles()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", defaultPort)
	v.SetDefault("bind", defaultBind)
	v.SetDefault("data_dir", resolveDataDir())
	v.SetDefault("log_level", "info")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("dev", false)
	v.SetDefault("neo4j_uri", "")
	v.SetDefault("neo4j_user", "")
	v.SetDefault("neo4j_password", "")
	v.SetDefault("neo4j_database", "")
	v.SetDefault("fallback", "sqlite")
	v.SetDefault("heartbeat_interval", defaultHeartbeatInterval)
	v.SetDefault("graph_connect_timeout", defaultConnectTimeout)
	v.SetDefault("graph_query_timeout", defaultQueryTimeout)
	v.SetDefault("allowed_origins", "")

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("rolegraph")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	// A missing config file is normal; env and defaults still apply.
	_ = v.ReadInConfig()

	cfg := &Config{
		Port:          v.GetInt("port"),
		BindAddress:   v.GetString("bind"),
		DataDir:       v.GetString("data_dir"),
		LogLevel:      v.GetString("log_level"),
		JWTSecret:     v.GetString("jwt_secret"),
		DevMode:       v.GetBool("dev"),
		Neo4jURI:      v.GetString("neo4j_uri"),
		Neo4jUser:     v.GetString("neo4j_user"),
		Neo4jPassword: v.GetString("neo4j_password"),
		Neo4jDatabase: v.GetString("neo4j_database"),
		Fallback:      strings.ToLower(v.GetString("fallback")),

		HeartbeatInterval:   v.GetDuration("heartbeat_interval"),
		GraphConnectTimeout: v.GetDuration("graph_connect_timeout"),
		GraphQueryTimeout:   v.GetDuration("graph_query_timeout"),

		AllowedOrigins: splitList(v.GetString("allowed_origins")),
		ConfigFile:     v.ConfigFileUsed(),
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = defaultPort
	}
	if cfg.BindAddress == "" {
		cfg.BindAddress = defaultBind
	}
	if cfg.DataDir == "" {
		cfg.DataDir = resolveDataDir()
	}
	if cfg.Fallback != "sqlite" && cfg.Fallback != "memory" {
		cfg.Fallback = "sqlite"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.GraphConnectTimeout <= 0 {
		cfg.GraphConnectTimeout = defaultConnectTimeout
	}
	if cfg.GraphQueryTimeout <= 0 {
		cfg.GraphQueryTimeout = defaultQueryTimeout
	}

	return cfg
}

// HasPrimaryCredentials reports whether the Neo4j backend is configured.
func (c *Config) HasPrimaryCredentials() bool {
	return c.Neo4jURI != "" && c.Neo4jUser != "" && c.Neo4jPassword != ""
}

func loadEnvFiles() {
	for _, f := range []string{".env.local", ".env"} {
		if _, err := os.Stat(f); err == nil {
			// godotenv never overrides variables already present in the environment
			_ = godotenv.Load(f)
		}
	}
}

func resolveDataDir() string {
	// Resolve data dir relative to the executable, not the CWD
	exe, err := os.Executable()
	if err != nil {
		return "./data"
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return "./data"
	}
	return filepath.Join(filepath.Dir(exe), "data")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
