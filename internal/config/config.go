package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ServerConfig captures all tunable parameters for the dispatch processes.
// Values are loaded from an optional YAML file (CONFIG_FILE, falling back to
// ./config.yml), then overridden by environment variables, so the binary can
// run locally without excessive setup. Timeout knobs are environment-only
// (Go duration syntax, e.g. HTTP_READ_TIMEOUT=5s).
type ServerConfig struct {
	HTTPAddr string `yaml:"httpAddr"`

	ReadTimeout     time.Duration `yaml:"-"`
	WriteTimeout    time.Duration `yaml:"-"`
	IdleTimeout     time.Duration `yaml:"-"`
	ShutdownTimeout time.Duration `yaml:"-"`

	PGDSN         string `yaml:"pgDSN"`
	RunMigrations bool   `yaml:"runMigrations"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisGeoKey   string `yaml:"redisGeoKey"`

	KafkaBrokers []string `yaml:"kafkaBrokers"`
	KafkaTopic   string   `yaml:"kafkaTopic"`
	KafkaGroup   string   `yaml:"kafkaGroup"`

	SearchRadiusKM float64 `yaml:"searchRadiusKM" validate:"gt=0"`
	MaxCandidates  int     `yaml:"maxCandidates" validate:"gt=0"`

	DefaultSpeedKPH float64       `yaml:"defaultSpeedKPH" validate:"gt=0"`
	ETACacheTTL     time.Duration `yaml:"-"`
	OSRMBaseURL     string        `yaml:"osrmBaseURL" validate:"omitempty,url"`
	GoogleMapsKey   string        `yaml:"googleMapsKey"`

	PushEndpoint string `yaml:"pushEndpoint" validate:"omitempty,url"`
	PushAPIKey   string `yaml:"pushAPIKey"`

	WSAllowedOrigins []string `yaml:"wsAllowedOrigins"`

	// AdminUserIDs receive operational alerts such as "no capacity".
	AdminUserIDs []string `yaml:"adminUserIDs"`

	// AuthTokens maps static bearer tokens to identities. File-only; real
	// deployments swap the static verifier for the portal's token service.
	AuthTokens []StaticToken `yaml:"authTokens" validate:"dive"`

	LogLevel string `yaml:"logLevel"`
}

// StaticToken binds one bearer token to a portal identity.
type StaticToken struct {
	Token  string   `yaml:"token" validate:"required"`
	UserID string   `yaml:"userID" validate:"required"`
	Name   string   `yaml:"name"`
	Roles  []string `yaml:"roles"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "vehicles_geo",
		KafkaTopic:      "vehicle-positions",
		KafkaGroup:      "dispatch-consumer",
		SearchRadiusKM:  5,
		MaxCandidates:   8,
		DefaultSpeedKPH: 24,
		ETACacheTTL:     30 * time.Second,
		LogLevel:        "info",
	}
}

// LoadServerConfig builds the effective configuration: defaults, then the
// YAML file if one exists, then environment overrides, then validation.
func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	if err := loadFile(&cfg); err != nil {
		return cfg, err
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	if v := os.Getenv("PG_DSN"); v != "" {
		cfg.PGDSN = v
	}
	if v := os.Getenv("MIGRATE"); v != "" {
		cfg.RunMigrations = strings.EqualFold(v, "true")
	}

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	setFloatFromEnv(&cfg.SearchRadiusKM, "MATCHER_SEARCH_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.MaxCandidates, "MATCHER_MAX_CANDIDATES", &errs)

	setFloatFromEnv(&cfg.DefaultSpeedKPH, "ETA_DEFAULT_SPEED_KPH", &errs)
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	setStringFromEnv(&cfg.OSRMBaseURL, "OSRM_BASE_URL")
	setStringFromEnv(&cfg.GoogleMapsKey, "GOOGLE_MAPS_KEY")

	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	setStringFromEnv(&cfg.PushAPIKey, "PUSH_API_KEY")

	if origins := os.Getenv("WS_ALLOWED_ORIGINS"); origins != "" {
		cfg.WSAllowedOrigins = splitAndTrim(origins)
	}
	if admins := os.Getenv("ADMIN_USER_IDS"); admins != "" {
		cfg.AdminUserIDs = splitAndTrim(admins)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if err := validator.New().Struct(cfg); err != nil {
		errs = append(errs, fmt.Errorf("invalid config: %w", err))
	}
	if cfg.ETACacheTTL < 0 {
		errs = append(errs, fmt.Errorf("ETA_CACHE_TTL must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

func loadFile(cfg *ServerConfig) error {
	paths := []string{"config.yml"}
	if p := strings.TrimSpace(os.Getenv("CONFIG_FILE")); p != "" {
		paths = []string{p}
	}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read %s: %w", p, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", p, err)
		}
		return nil
	}
	return nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
