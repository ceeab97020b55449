package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envFileVar = "JASHN_ENV_FILE"

type Config struct {
	// Client
	ServerURL           string
	BrokerURL           string
	AuthToken           string
	Nickname            string
	PageSize            int
	MaxUploadSize       int64
	ReconnectDelay      time.Duration
	PresenceDebounce    time.Duration
	NearBottomThreshold int
	ProvisionalTTL      time.Duration
	StorageURLPrefix    string
	Locale              string
	LogLevel            string

	// Development backend
	Port            string
	Environment     string
	DatabasePath    string
	JWTSecret       string
	CORSOrigins     string
	FileStoragePath string
}

var defaults = map[string]any{
	"SERVER_URL":            "http://localhost:8080",
	"BROKER_URL":            "",
	"AUTH_TOKEN":            "",
	"NICKNAME":              "",
	"PAGE_SIZE":             10,
	"MAX_UPLOAD_SIZE":       int64(5 << 20), // 5 MiB
	"RECONNECT_DELAY":       5 * time.Second,
	"PRESENCE_DEBOUNCE":     500 * time.Millisecond,
	"NEAR_BOTTOM_THRESHOLD": 100,
	"PROVISIONAL_TTL":       30 * time.Second,
	"STORAGE_URL_PREFIX":    "/api/files/",
	"LOCALE":                "en",
	"LOG_LEVEL":             "info",
	"PORT":                  "8080",
	"ENVIRONMENT":           "development",
	"DATABASE_PATH":         "./data/jashn.db",
	"JWT_SECRET":            "your-secret-key-change-in-production",
	"CORS_ORIGINS":          "*",
	"FILE_STORAGE_PATH":     "./data/uploads",
}

// New returns a viper instance with defaults registered and the environment
// bound. Commands bind their flags onto it before calling FromViper.
func New() *viper.Viper {
	loadEnvFile()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
		_ = v.BindEnv(key)
	}
	return v
}

// Load reads configuration from the environment (and optional env file).
func Load() *Config {
	return FromViper(New())
}

func FromViper(v *viper.Viper) *Config {
	cfg := &Config{
		ServerURL:           strings.TrimRight(v.GetString("SERVER_URL"), "/"),
		BrokerURL:           v.GetString("BROKER_URL"),
		AuthToken:           v.GetString("AUTH_TOKEN"),
		Nickname:            v.GetString("NICKNAME"),
		PageSize:            positiveInt(v, "PAGE_SIZE"),
		MaxUploadSize:       positiveInt64(v, "MAX_UPLOAD_SIZE"),
		ReconnectDelay:      positiveDuration(v, "RECONNECT_DELAY"),
		PresenceDebounce:    positiveDuration(v, "PRESENCE_DEBOUNCE"),
		NearBottomThreshold: positiveInt(v, "NEAR_BOTTOM_THRESHOLD"),
		ProvisionalTTL:      positiveDuration(v, "PROVISIONAL_TTL"),
		StorageURLPrefix:    v.GetString("STORAGE_URL_PREFIX"),
		Locale:              v.GetString("LOCALE"),
		LogLevel:            v.GetString("LOG_LEVEL"),
		Port:                v.GetString("PORT"),
		Environment:         v.GetString("ENVIRONMENT"),
		DatabasePath:        v.GetString("DATABASE_PATH"),
		JWTSecret:           v.GetString("JWT_SECRET"),
		CORSOrigins:         v.GetString("CORS_ORIGINS"),
		FileStoragePath:     v.GetString("FILE_STORAGE_PATH"),
	}
	if cfg.BrokerURL == "" {
		cfg.BrokerURL = BrokerURLFor(cfg.ServerURL)
	}
	return cfg
}

// BrokerURLFor derives the websocket endpoint from the REST base URL.
func BrokerURLFor(serverURL string) string {
	switch {
	case strings.HasPrefix(serverURL, "https://"):
		return "wss://" + strings.TrimPrefix(serverURL, "https://") + "/ws"
	case strings.HasPrefix(serverURL, "http://"):
		return "ws://" + strings.TrimPrefix(serverURL, "http://") + "/ws"
	default:
		return serverURL + "/ws"
	}
}

// loadEnvFile loads JASHN_ENV_FILE, or ./.env when present. Variables already
// set in the process win.
func loadEnvFile() {
	if path, ok := os.LookupEnv(envFileVar); ok && path != "" {
		_ = godotenv.Load(path)
		return
	}
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}
}

// Malformed or non-positive values fall back to the default.

func positiveInt(v *viper.Viper, key string) int {
	if n, err := castInt64(v.Get(key)); err == nil && n > 0 {
		return int(n)
	}
	n, _ := castInt64(defaults[key])
	return int(n)
}

func positiveInt64(v *viper.Viper, key string) int64 {
	if n, err := castInt64(v.Get(key)); err == nil && n > 0 {
		return n
	}
	n, _ := castInt64(defaults[key])
	return n
}

func positiveDuration(v *viper.Viper, key string) time.Duration {
	raw := v.Get(key)
	if s, ok := raw.(string); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil && d > 0 {
			return d
		}
		return defaults[key].(time.Duration)
	}
	if d, ok := raw.(time.Duration); ok && d > 0 {
		return d
	}
	return defaults[key].(time.Duration)
}
