package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Backend selectors.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	CORS       CORSConfig
	Log        LogConfig
	Attendance AttendanceConfig
	Photos     PhotosConfig
}

type DatabaseConfig struct {
	Driver       string
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Issuer     string
	Expiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// AttendanceConfig selects the session store and event transport and tunes session limits.
type AttendanceConfig struct {
	StoreBackend         string
	EventsBackend        string
	DefaultExpiryMinutes int
	MaxExpiryMinutes     int
	SweepInterval        time.Duration
	SubscriberBuffer     int
}

// PhotosConfig controls selfie storage & validation.
type PhotosConfig struct {
	StorageDir       string
	SignedURLSecret  string
	SignedURLTTL     time.Duration
	UploadTokenTTL   time.Duration
	MaxFileSizeBytes int64
	AllowedMIMEs     []string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Driver:       v.GetString("DB_DRIVER"),
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:     v.GetString("JWT_SECRET"),
		Issuer:     v.GetString("JWT_ISSUER"),
		Expiration: parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Attendance = AttendanceConfig{
		StoreBackend:         strings.ToLower(v.GetString("ATTENDANCE_STORE")),
		EventsBackend:        strings.ToLower(v.GetString("ATTENDANCE_EVENTS")),
		DefaultExpiryMinutes: v.GetInt("ATTENDANCE_DEFAULT_EXPIRY_MINUTES"),
		MaxExpiryMinutes:     v.GetInt("ATTENDANCE_MAX_EXPIRY_MINUTES"),
		SweepInterval:        parseDuration(v.GetString("ATTENDANCE_SWEEP_INTERVAL"), 30*time.Second),
		SubscriberBuffer:     v.GetInt("ATTENDANCE_SUBSCRIBER_BUFFER"),
	}

	maxPhotoSize := v.GetInt64("PHOTOS_MAX_FILE_SIZE")
	if maxPhotoSize <= 0 {
		maxPhotoSize = 5 * 1024 * 1024
	}
	cfg.Photos = PhotosConfig{
		StorageDir:       v.GetString("PHOTOS_STORAGE_DIR"),
		SignedURLSecret:  v.GetString("PHOTOS_SIGNED_URL_SECRET"),
		SignedURLTTL:     parseDuration(v.GetString("PHOTOS_SIGNED_URL_TTL"), 30*time.Minute),
		UploadTokenTTL:   parseDuration(v.GetString("PHOTOS_UPLOAD_TOKEN_TTL"), 5*time.Minute),
		MaxFileSizeBytes: maxPhotoSize,
		AllowedMIMEs:     splitAndTrim(v.GetString("PHOTOS_ALLOWED_MIME_TYPES")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects backend selections the server cannot honour.
func (c *Config) Validate() error {
	switch c.Attendance.StoreBackend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("ATTENDANCE_STORE must be %q or %q, got %q", BackendMemory, BackendPostgres, c.Attendance.StoreBackend)
	}
	switch c.Attendance.EventsBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("ATTENDANCE_EVENTS must be %q or %q, got %q", BackendMemory, BackendRedis, c.Attendance.EventsBackend)
	}
	if c.Attendance.MaxExpiryMinutes <= 0 {
		return fmt.Errorf("ATTENDANCE_MAX_EXPIRY_MINUTES must be positive")
	}
	if c.Attendance.DefaultExpiryMinutes <= 0 || c.Attendance.DefaultExpiryMinutes > c.Attendance.MaxExpiryMinutes {
		return fmt.Errorf("ATTENDANCE_DEFAULT_EXPIRY_MINUTES must be between 1 and %d", c.Attendance.MaxExpiryMinutes)
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "geoattend")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "")
	v.SetDefault("JWT_EXPIRATION", "24h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ATTENDANCE_STORE", BackendMemory)
	v.SetDefault("ATTENDANCE_EVENTS", BackendMemory)
	v.SetDefault("ATTENDANCE_DEFAULT_EXPIRY_MINUTES", 10)
	v.SetDefault("ATTENDANCE_MAX_EXPIRY_MINUTES", 240)
	v.SetDefault("ATTENDANCE_SWEEP_INTERVAL", "30s")
	v.SetDefault("ATTENDANCE_SUBSCRIBER_BUFFER", 64)

	v.SetDefault("PHOTOS_STORAGE_DIR", "./photos")
	v.SetDefault("PHOTOS_SIGNED_URL_SECRET", "dev_photos_secret")
	v.SetDefault("PHOTOS_SIGNED_URL_TTL", "30m")
	v.SetDefault("PHOTOS_UPLOAD_TOKEN_TTL", "5m")
	v.SetDefault("PHOTOS_MAX_FILE_SIZE", 5*1024*1024)
	v.SetDefault("PHOTOS_ALLOWED_MIME_TYPES", "image/jpeg,image/png,image/webp")
}

// isMissingFile covers SetConfigFile, which reports a missing file as a path error.
func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
