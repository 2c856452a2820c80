package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
}

type Config struct {
	HTTPPort        string
	GRPCPort        string
	DB              DBConfig
	Redis           RedisConfig
	KafkaBroker     string
	KafkaEnabled    bool
	JWTSecret       string
	JWTTTL          time.Duration
	CORSOrigins     []string
	JaegerEndpoint  string
	CacheTTL        time.Duration
	PaymentSuccess  float64
	RealtimeChannel string
	ShutdownTimeout time.Duration
}

// Load reads an optional .env file and then the process environment.
func Load() Config {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	return Config{
		HTTPPort: getEnv("HTTP_PORT", "8080"),
		GRPCPort: getEnv("GRPC_PORT", "50051"),
		DB: DBConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			Name:     getEnv("DB_NAME", "marketplacedb"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
		},
		KafkaBroker:     getEnv("KAFKA_BROKER", "localhost:9092"),
		KafkaEnabled:    getBool("KAFKA_ENABLED", true),
		JWTSecret:       getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		JWTTTL:          getDuration("JWT_TTL", 24*time.Hour),
		CORSOrigins:     splitList(getEnv("CORS_ORIGINS", "http://localhost:3000")),
		JaegerEndpoint:  getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		CacheTTL:        getDuration("CACHE_TTL", 600*time.Second),
		PaymentSuccess:  getFloat("PAYMENT_SUCCESS_RATE", 0.9),
		RealtimeChannel: getEnv("REALTIME_CHANNEL", "marketplace:realtime"),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	v, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}

func getFloat(key string, defaultValue float64) float64 {
	v, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return v
}

// getDuration accepts Go duration strings ("10s") or a bare number of seconds.
func getDuration(key string, defaultValue time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
