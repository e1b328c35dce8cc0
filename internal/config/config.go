package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API
// process. Values are primarily loaded from environment variables with
// sane defaults so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	Match MatchConfig

	LogLevel      string
	RunMigrations bool
}

// MatchConfig holds the business tuning knobs of the dispatch engine.
// The acceptance window and radius cadence are deliberately configuration
// inputs rather than constants; operators may tune them per deployment.
type MatchConfig struct {
	MaxParallelOffers  int           // K: concurrent pending offers per request
	OfferTTL           time.Duration // acceptance window per offer
	InitialRadiusMiles float64
	MaxRadiusMiles     float64
	RadiusStepMiles    float64       // increment applied on expansion
	RadiusExpandEvery  time.Duration // expansion cadence
	TickInterval       time.Duration // base scan cadence per request
	TickJitter         time.Duration // stagger added per request loop
	StalenessThreshold time.Duration // heartbeat age before exclusion
	SweepInterval      time.Duration // cron cadence for the staleness sweeper
	CellSizeMiles      float64       // spatial grid cell edge
	Weights            WeightTable
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "providers_geo",
		KafkaTopic:      "provider-heartbeats",
		LogLevel:        "info",
		Match: MatchConfig{
			MaxParallelOffers:  3,
			OfferTTL:           60 * time.Second,
			InitialRadiusMiles: 5,
			MaxRadiusMiles:     25,
			RadiusStepMiles:    5,
			RadiusExpandEvery:  2 * time.Minute,
			TickInterval:       10 * time.Second,
			TickJitter:         2 * time.Second,
			StalenessThreshold: 5 * time.Minute,
			SweepInterval:      time.Minute,
			CellSizeMiles:      5,
			Weights:            DefaultWeightTable(),
		},
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setIntFromEnv(&cfg.Match.MaxParallelOffers, "MATCH_MAX_PARALLEL_OFFERS", &errs)
	setDurationFromEnv(&cfg.Match.OfferTTL, "MATCH_OFFER_TTL", &errs)
	setFloatFromEnv(&cfg.Match.InitialRadiusMiles, "MATCH_INITIAL_RADIUS_MILES", &errs)
	setFloatFromEnv(&cfg.Match.MaxRadiusMiles, "MATCH_MAX_RADIUS_MILES", &errs)
	setFloatFromEnv(&cfg.Match.RadiusStepMiles, "MATCH_RADIUS_STEP_MILES", &errs)
	setDurationFromEnv(&cfg.Match.RadiusExpandEvery, "MATCH_RADIUS_EXPAND_EVERY", &errs)
	setDurationFromEnv(&cfg.Match.TickInterval, "MATCH_TICK_INTERVAL", &errs)
	setDurationFromEnv(&cfg.Match.TickJitter, "MATCH_TICK_JITTER", &errs)
	setDurationFromEnv(&cfg.Match.StalenessThreshold, "MATCH_STALENESS_THRESHOLD", &errs)
	setDurationFromEnv(&cfg.Match.SweepInterval, "MATCH_SWEEP_INTERVAL", &errs)
	setFloatFromEnv(&cfg.Match.CellSizeMiles, "MATCH_CELL_SIZE_MILES", &errs)

	for class := range cfg.Match.Weights {
		key := "MATCH_WEIGHTS_" + strings.ToUpper(string(class))
		if v := os.Getenv(key); v != "" {
			w, err := ParseWeights(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				continue
			}
			cfg.Match.Weights[class] = w
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if err := cfg.Match.Validate(); err != nil {
		errs = append(errs, err)
	}

	return cfg, errors.Join(errs...)
}

func (m MatchConfig) Validate() error {
	var errs []error
	if m.MaxParallelOffers <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_MAX_PARALLEL_OFFERS must be > 0"))
	}
	if m.OfferTTL <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_OFFER_TTL must be > 0"))
	}
	if m.InitialRadiusMiles <= 0 || m.MaxRadiusMiles < m.InitialRadiusMiles {
		errs = append(errs, fmt.Errorf("radius bounds invalid: initial=%.1f max=%.1f", m.InitialRadiusMiles, m.MaxRadiusMiles))
	}
	if m.RadiusStepMiles <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_RADIUS_STEP_MILES must be > 0"))
	}
	if m.CellSizeMiles <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_CELL_SIZE_MILES must be > 0"))
	}
	if err := m.Weights.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
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
