package config

import (
	"fmt"
	"time"

	"skillswap-backend/pkg/constants"
	"skillswap-backend/pkg/env"
)

// Signaling backends
const (
	SignalingMemory    = "memory"
	SignalingRedis     = "redis"
	SignalingFirestore = "firestore"
)

const devRoomTokenSecret = "development-room-secret-change-me-now"

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Call      CallConfig
	Signaling SignalingConfig
	Redis     RedisConfig
	Cassandra CassandraConfig
	Cockroach CockroachConfig
	MinIO     MinIOConfig
	Firebase  FirebaseConfig
	Push      PushConfig
	Room      RoomConfig
	Log       LogConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port         int
	Environment  string // development, staging, production
	ServiceName  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// CallConfig holds call lifecycle tuning
type CallConfig struct {
	RingTimeout       time.Duration
	CleanupGrace      time.Duration
	PresenceHeartbeat time.Duration
	MaxUploadSize     int64
}

// SignalingConfig selects and tunes the call record store
type SignalingConfig struct {
	Backend    string
	RecordTTL  time.Duration
	Collection string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// CassandraConfig holds Cassandra configuration
type CassandraConfig struct {
	Hosts    []string
	Keyspace string
	Username string
	Password string
	Timeout  time.Duration
}

// CockroachConfig holds CockroachDB configuration
type CockroachConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// DSN returns the pgx connection string
func (c CockroachConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// MinIOConfig holds MinIO configuration
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// FirebaseConfig holds Firebase project settings shared by FCM and Firestore
type FirebaseConfig struct {
	ProjectID       string
	CredentialsPath string
}

// PushConfig selects the push provider
type PushConfig struct {
	Provider       string // firebase, apns, mock
	APNsKeyPath    string
	APNsKeyID      string
	APNsTeamID     string
	APNsTopic      string
	APNsProduction bool
}

// RoomConfig holds media relay settings
type RoomConfig struct {
	URL         string
	TokenSecret string
	TokenTTL    time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, console
	Output   string // stdout, file
	FilePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:         env.GetInt("PORT", 8080),
			Environment:  env.GetString("ENV", "development"),
			ServiceName:  env.GetString("SERVICE_NAME", "call-agent"),
			ReadTimeout:  env.GetDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: env.GetDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
		},
		Call: CallConfig{
			RingTimeout:       env.GetDuration("CALL_RING_TIMEOUT", constants.RingTimeout),
			CleanupGrace:      env.GetDuration("CALL_CLEANUP_GRACE", constants.CleanupGrace),
			PresenceHeartbeat: env.GetDuration("PRESENCE_HEARTBEAT", constants.PresenceHeartbeat),
			MaxUploadSize:     env.GetInt64("MAX_UPLOAD_SIZE", constants.MaxUploadSize),
		},
		Signaling: SignalingConfig{
			Backend:    env.GetString("SIGNALING_BACKEND", SignalingMemory),
			RecordTTL:  env.GetDuration("SIGNALING_RECORD_TTL", constants.CallRecordTTL),
			Collection: env.GetString("SIGNALING_COLLECTION", "calls"),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		Cassandra: CassandraConfig{
			Hosts:    env.GetStringSlice("CASSANDRA_HOSTS", []string{"localhost"}),
			Keyspace: env.GetString("CASSANDRA_KEYSPACE", "skillswap"),
			Username: env.GetString("CASSANDRA_USER", ""),
			Password: env.GetStringFromFile("CASSANDRA_PASSWORD", ""),
			Timeout:  env.GetDuration("CASSANDRA_TIMEOUT", 5*time.Second),
		},
		Cockroach: CockroachConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "skillswap"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
		},
		MinIO: MinIOConfig{
			Endpoint:  env.GetString("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env.GetStringFromFile("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env.GetStringFromFile("MINIO_SECRET_KEY", "minioadmin"),
			UseSSL:    env.GetBool("MINIO_USE_SSL", false),
			Bucket:    env.GetString("MINIO_BUCKET", "chat-attachments"),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.GetString("FIREBASE_PROJECT_ID", ""),
			CredentialsPath: env.GetString("FIREBASE_CREDENTIALS_PATH", ""),
		},
		Push: PushConfig{
			Provider:       env.GetString("PUSH_PROVIDER", "mock"),
			APNsKeyPath:    env.GetString("APNS_KEY_PATH", ""),
			APNsKeyID:      env.GetString("APNS_KEY_ID", ""),
			APNsTeamID:     env.GetString("APNS_TEAM_ID", ""),
			APNsTopic:      env.GetString("APNS_TOPIC", ""),
			APNsProduction: env.GetBool("APNS_PRODUCTION", false),
		},
		Room: RoomConfig{
			URL:         env.GetString("ROOM_URL", "ws://localhost:8090/ws/room"),
			TokenSecret: env.GetStringFromFile("ROOM_TOKEN_SECRET", ""),
			TokenTTL:    env.GetDuration("ROOM_TOKEN_TTL", constants.RoomTokenExpiry),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/app.log"),
		},
	}

	// Services share the fallback so rooms still work in development
	if cfg.Room.TokenSecret == "" && !cfg.IsProduction() {
		cfg.Room.TokenSecret = devRoomTokenSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.Room.TokenSecret == "" {
			return fmt.Errorf("ROOM_TOKEN_SECRET must be set in production")
		}
		if len(c.Room.TokenSecret) < 32 {
			return fmt.Errorf("ROOM_TOKEN_SECRET must be at least 32 characters in production")
		}
	}

	if c.Call.RingTimeout <= 0 {
		return fmt.Errorf("CALL_RING_TIMEOUT must be positive, got %s", c.Call.RingTimeout)
	}
	if c.Call.CleanupGrace < 100*time.Millisecond || c.Call.CleanupGrace > 5*time.Second {
		return fmt.Errorf("CALL_CLEANUP_GRACE must be between 100ms and 5s, got %s", c.Call.CleanupGrace)
	}
	if c.Call.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
	}

	switch c.Signaling.Backend {
	case SignalingMemory, SignalingRedis, SignalingFirestore:
	default:
		return fmt.Errorf("unknown SIGNALING_BACKEND %q", c.Signaling.Backend)
	}
	if c.Signaling.Backend == SignalingFirestore && c.Firebase.ProjectID == "" {
		return fmt.Errorf("FIREBASE_PROJECT_ID is required for the firestore signaling backend")
	}

	return nil
}

// IsProduction reports whether the service runs in production
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}
