package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string
	Environment    string
	LogLevel       string
	AllowedOrigins []string
	JWTSecret      string
	RoomTTL        time.Duration
	DatabasePath   string
	STUNURLs       []string
	Redis          RedisConfig
	Participant    ParticipantConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// ParticipantConfig is only read by the headless participant binary.
type ParticipantConfig struct {
	ServerURL string
	Token     string
}

// Load reads configuration from the environment. A .env file in the working
// directory (or the file named by ENV_FILE) is applied first when present.
func Load() *Config {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Fatal().Err(err).Str("file", envFile).Msg("Failed to load env file")
		}
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	return &Config{
		Port:           v.GetString("PORT"),
		Environment:    v.GetString("ENVIRONMENT"),
		LogLevel:       v.GetString("LOG_LEVEL"),
		AllowedOrigins: splitList(v.GetString("ALLOWED_ORIGINS")),
		JWTSecret:      v.GetString("JWT_SECRET"),
		RoomTTL:        v.GetDuration("ROOM_TTL"),
		DatabasePath:   v.GetString("DATABASE_PATH"),
		STUNURLs:       splitList(v.GetString("STUN_URLS")),
		Redis: RedisConfig{
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetString("REDIS_PORT"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Participant: ParticipantConfig{
			ServerURL: v.GetString("SERVER_URL"),
			Token:     v.GetString("TOKEN"),
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("JWT_SECRET", "change-me-in-production")
	v.SetDefault("ROOM_TTL", 24*time.Hour)
	v.SetDefault("DATABASE_PATH", "file:lessons.db?_pragma=busy_timeout(5000)")
	v.SetDefault("STUN_URLS", "stun:stun.l.google.com:19302")
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("SERVER_URL", "http://localhost:8080")
	v.SetDefault("TOKEN", "")
}

// splitList parses a comma-separated value, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
