package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Server holds chat-server replica configuration populated from environment variables.
type Server struct {
	// Core
	Port       int
	HealthPort int
	ServerEnv  string // "development" or "production"
	ReplicaID  string // stable replica identity, defaults to the container hostname

	// Database
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPass     string
	DBMinConns int
	DBMaxConns int

	// Redis coordinator
	RedisHost     string
	RedisPort     int
	RedisPassword string

	// Coordinator TTLs
	PresenceTTL time.Duration
	SessionTTL  time.Duration

	// Argon2 password hashing
	Argon2Memory      uint32
	Argon2Iterations  uint32
	Argon2Parallelism uint8
	Argon2SaltLength  uint32
	Argon2KeyLength   uint32
}

// Scaler holds scaling-controller configuration populated from environment variables.
type Scaler struct {
	Namespace  string
	Deployment string

	RedisHost     string
	RedisPort     int
	RedisPassword string

	MinReplicas    int
	MaxReplicas    int
	UsersPerPod    int
	CheckInterval  time.Duration
	ScaleDownDelay time.Duration
}

// Load reads chat-server configuration from environment variables. It returns an error listing every variable that is
// set but cannot be parsed, or whose value fails validation.
func Load() (*Server, error) {
	p := &parser{}

	cfg := &Server{
		Port:       p.int("PORT", 8888),
		HealthPort: p.int("HEALTH_PORT", 8080),
		ServerEnv:  envStr("SERVER_ENV", "production"),
		ReplicaID:  envStr("HOSTNAME", fmt.Sprintf("server-%d", os.Getpid())),

		DBHost:     envStr("DB_HOST", "localhost"),
		DBPort:     p.int("DB_PORT", 5432),
		DBName:     envStr("DB_NAME", "chatdb"),
		DBUser:     envStr("DB_USER", "chatuser"),
		DBPass:     envStr("DB_PASS", "chatpass"),
		DBMinConns: p.int("DB_MIN_CONNS", 1),
		DBMaxConns: p.int("DB_MAX_CONNS", 20),

		RedisHost:     envStr("REDIS_HOST", "localhost"),
		RedisPort:     p.int("REDIS_PORT", 6379),
		RedisPassword: envStr("REDIS_PASSWORD", ""),

		PresenceTTL: p.seconds("PRESENCE_TTL_SECONDS", 1800*time.Second),
		SessionTTL:  p.seconds("SESSION_TTL_SECONDS", 3600*time.Second),

		Argon2Memory:      p.uint32("ARGON2_MEMORY", 65536),
		Argon2Iterations:  p.uint32("ARGON2_ITERATIONS", 3),
		Argon2Parallelism: p.uint8("ARGON2_PARALLELISM", 2),
		Argon2SaltLength:  p.uint32("ARGON2_SALT_LENGTH", 16),
		Argon2KeyLength:   p.uint32("ARGON2_KEY_LENGTH", 32),
	}

	if parseErr := errors.Join(p.errs...); parseErr != nil {
		return nil, parseErr
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadScaler reads scaling-controller configuration from environment variables. Interval values are plain integer
// second counts, matching the deployment manifests the controller ships with.
func LoadScaler() (*Scaler, error) {
	p := &parser{}

	cfg := &Scaler{
		Namespace:  envStr("NAMESPACE", "chat-app"),
		Deployment: envStr("DEPLOYMENT_NAME", "chat-server"),

		RedisHost:     envStr("REDIS_HOST", "redis-service.chat-app.svc.cluster.local"),
		RedisPort:     p.int("REDIS_PORT", 6379),
		RedisPassword: envStr("REDIS_PASSWORD", ""),

		MinReplicas:    p.int("MIN_REPLICAS", 1),
		MaxReplicas:    p.int("MAX_REPLICAS", 10),
		UsersPerPod:    p.int("USERS_PER_POD", 3),
		CheckInterval:  p.seconds("CHECK_INTERVAL", 10*time.Second),
		ScaleDownDelay: p.seconds("SCALE_DOWN_DELAY", 60*time.Second),
	}

	if parseErr := errors.Join(p.errs...); parseErr != nil {
		return nil, parseErr
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDevelopment returns true when running in development mode.
func (c *Server) IsDevelopment() bool {
	return c.ServerEnv == "development"
}

// DSN returns the keyword/value connection string for the Postgres pool.
func (c *Server) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPass)
}

// RedisAddr returns the host:port address of the coordinator.
func (c *Server) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// RedisAddr returns the host:port address of the coordinator.
func (c *Scaler) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func (c *Server) validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be between 1 and 65535"))
	}
	if c.HealthPort < 1 || c.HealthPort > 65535 {
		errs = append(errs, fmt.Errorf("HEALTH_PORT must be between 1 and 65535"))
	}
	if c.HealthPort == c.Port {
		errs = append(errs, fmt.Errorf("HEALTH_PORT must differ from PORT"))
	}

	if c.DBMaxConns < 1 {
		errs = append(errs, fmt.Errorf("DB_MAX_CONNS must be at least 1"))
	}
	if c.DBMinConns < 0 {
		errs = append(errs, fmt.Errorf("DB_MIN_CONNS must not be negative"))
	}
	if c.DBMinConns > c.DBMaxConns {
		errs = append(errs, fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns))
	}

	if c.PresenceTTL < time.Second {
		errs = append(errs, fmt.Errorf("PRESENCE_TTL_SECONDS must be at least 1"))
	}
	// Resume must still work after presence has expired, so the token TTL can
	// never undercut the presence TTL.
	if c.SessionTTL < c.PresenceTTL {
		errs = append(errs, fmt.Errorf("SESSION_TTL_SECONDS must be at least PRESENCE_TTL_SECONDS"))
	}

	if c.Argon2Memory == 0 {
		errs = append(errs, fmt.Errorf("ARGON2_MEMORY must be greater than 0"))
	}
	if c.Argon2Iterations == 0 {
		errs = append(errs, fmt.Errorf("ARGON2_ITERATIONS must be greater than 0"))
	}
	if c.Argon2Parallelism == 0 {
		errs = append(errs, fmt.Errorf("ARGON2_PARALLELISM must be greater than 0"))
	}

	return errors.Join(errs...)
}

func (c *Scaler) validate() error {
	var errs []error

	if c.Namespace == "" {
		errs = append(errs, fmt.Errorf("NAMESPACE must not be empty"))
	}
	if c.Deployment == "" {
		errs = append(errs, fmt.Errorf("DEPLOYMENT_NAME must not be empty"))
	}

	if c.MinReplicas < 1 {
		errs = append(errs, fmt.Errorf("MIN_REPLICAS must be at least 1"))
	}
	if c.MaxReplicas < c.MinReplicas {
		errs = append(errs, fmt.Errorf("MAX_REPLICAS (%d) must not be below MIN_REPLICAS (%d)", c.MaxReplicas, c.MinReplicas))
	}
	if c.UsersPerPod < 1 {
		errs = append(errs, fmt.Errorf("USERS_PER_POD must be at least 1"))
	}

	if c.CheckInterval < time.Second {
		errs = append(errs, fmt.Errorf("CHECK_INTERVAL must be at least 1"))
	}
	if c.ScaleDownDelay < 0 {
		errs = append(errs, fmt.Errorf("SCALE_DOWN_DELAY must not be negative"))
	}

	return errors.Join(errs...)
}

// parser collects parse errors so Load can report all invalid values at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected integer)", key, v))
		return fallback
	}
	return n
}

func (p *parser) uint32(key string, fallback uint32) uint32 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected unsigned 32-bit integer)", key, v))
		return fallback
	}
	return uint32(n)
}

func (p *parser) uint8(key string, fallback uint8) uint8 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 8)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected unsigned 8-bit integer)", key, v))
		return fallback
	}
	return uint8(n)
}

// seconds parses an integer second count. The deployment environment expresses
// every interval as a bare number, not a Go duration string.
func (p *parser) seconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected integer seconds)", key, v))
		return fallback
	}
	return time.Duration(n) * time.Second
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
