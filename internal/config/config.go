package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Mode selects which surfaces the daemon serves.
type Mode string

const (
	ModeHTTP Mode = "http"
	ModeMCP  Mode = "mcp"
	ModeBoth Mode = "both"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Notification NotificationConfig

	Mode          Mode
	StateDir      string
	ProfilePath   string
	UseUTC        bool
	ShutdownGrace time.Duration
	// EventBuffer is the per-subscriber buffer of the event tap.
	EventBuffer int
}

const (
	envPrefix            = "WINGETD_"
	defaultAddr          = "127.0.0.1:7171"
	defaultLogLevel      = "info"
	defaultShutdownGrace = 5 * time.Second
	defaultEventBuffer   = 256
)

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse builds the Config from args (without the program name).
// Priority: CLI flags > environment variables > .env file > defaults.
func Parse(args []string) (*Config, error) {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "wingetd", ".env"))
	}
	for _, file := range envFiles {
		// Missing files are fine; Load never overrides variables already set.
		_ = godotenv.Load(file)
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("ADDR", defaultAddr),
			AuthToken: getEnvString("AUTH_TOKEN", ""),
		},
		Log: LogConfig{
			Level: getEnvString("LOG_LEVEL", defaultLogLevel),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("BARK_URL", ""),
				Enabled: getEnvBool("BARK_ENABLED", false),
			},
		},
		Mode:          Mode(getEnvString("MODE", string(ModeHTTP))),
		StateDir:      getEnvString("STATE_DIR", ""),
		ProfilePath:   getEnvString("PROFILE", ""),
		UseUTC:        getEnvBool("USE_UTC", false),
		ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", defaultShutdownGrace),
		EventBuffer:   getEnvInt("EVENT_BUFFER", defaultEventBuffer),
	}

	fs := flag.NewFlagSet("wingetd", flag.ContinueOnError)
	var (
		addr, logLevel, stateDir, mode, profile, authToken string
		useUTC                                             bool
		shutdownGrace                                      time.Duration
		eventBuffer                                        int
	)
	fs.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	fs.StringVar(&authToken, "auth-token", "", "Bearer token required by the HTTP API")
	fs.StringVar(&stateDir, "state-dir", "", "Directory to store the schedule database")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&mode, "mode", "", "Surfaces to serve: http, mcp (stdio) or both")
	fs.StringVar(&profile, "profile", "", "Path to a YAML tool profile")
	fs.BoolVar(&useUTC, "use-utc", false, "Use UTC for cron evaluation instead of system local time")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")
	fs.IntVar(&eventBuffer, "event-buffer", 0, "Per-subscriber event buffer size")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if authToken != "" {
		cfg.Server.AuthToken = authToken
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if mode != "" {
		cfg.Mode = Mode(mode)
	}
	if profile != "" {
		cfg.ProfilePath = profile
	}
	if eventBuffer > 0 {
		cfg.EventBuffer = eventBuffer
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "use-utc":
			cfg.UseUTC = useUTC
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	switch cfg.Mode {
	case ModeHTTP, ModeMCP, ModeBoth:
	default:
		return nil, fmt.Errorf("invalid mode %q: want http, mcp or both", cfg.Mode)
	}
	if cfg.EventBuffer < 1 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	return cfg, nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "wingetd")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
