package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Config holds all client settings, populated from environment variables.
type Config struct {
	StormAddr string
	Regions   []string

	KeycloakURL         string
	KeycloakRealm       string
	KeycloakClientID    string
	KeycloakRedirectURI string
	AccessToken         string
	RefreshToken        string
	OpenBrowser         bool

	// TokenMinValidity is how long a token must remain valid when a stream opens.
	TokenMinValidity time.Duration
	// TokenRefreshTimeout bounds a credential refresh before a stream start.
	TokenRefreshTimeout time.Duration

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Optional fan-out of region state changes.
	KafkaEnabled   bool
	KafkaBrokers   []string
	KafkaSinkTopic string
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	minValidity, err := parseDuration("TOKEN_MIN_VALIDITY", "30s", true)
	if err != nil {
		return nil, err
	}

	refreshTimeout, err := parseDuration("TOKEN_REFRESH_TIMEOUT", "10s", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		StormAddr: sharedcfg.EnvOrDefault("STORM_GRPC_ADDR", "localhost:8080"),
		Regions:   ParseRegions(sharedcfg.EnvOrDefault("REGIONS", "Atlantic,Pacific")),

		KeycloakURL:         sharedcfg.EnvOrDefault("KEYCLOAK_URL", "http://localhost:8081"),
		KeycloakRealm:       sharedcfg.EnvOrDefault("KEYCLOAK_REALM", "stormhunter-realm"),
		KeycloakClientID:    sharedcfg.EnvOrDefault("KEYCLOAK_CLIENT_ID", "storm-client"),
		KeycloakRedirectURI: sharedcfg.EnvOrDefault("KEYCLOAK_REDIRECT_URI", "http://localhost:8090/callback"),
		AccessToken:         os.Getenv("ACCESS_TOKEN"),
		RefreshToken:        os.Getenv("REFRESH_TOKEN"),
		OpenBrowser:         sharedcfg.EnvOrDefault("OPEN_BROWSER", "true") == "true",
		TokenMinValidity:    minValidity,
		TokenRefreshTimeout: refreshTimeout,

		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8090"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		KafkaEnabled:   os.Getenv("KAFKA_ENABLED") == "true",
		KafkaBrokers:   sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaSinkTopic: sharedcfg.EnvOrDefault("KAFKA_SINK_TOPIC", "storm-region-updates"),
	}

	if cfg.StormAddr == "" {
		return nil, errors.New("STORM_GRPC_ADDR is required")
	}
	if cfg.KeycloakURL == "" || cfg.KeycloakRealm == "" || cfg.KeycloakClientID == "" {
		return nil, errors.New("KEYCLOAK_URL, KEYCLOAK_REALM and KEYCLOAK_CLIENT_ID are required")
	}
	if cfg.KafkaEnabled {
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED is true")
		}
		if cfg.KafkaSinkTopic == "" {
			return nil, errors.New("KAFKA_SINK_TOPIC is required when KAFKA_ENABLED is true")
		}
	}

	return cfg, nil
}

// ParseRegions splits a comma-separated region list, dropping blanks and duplicates.
func ParseRegions(s string) []string {
	var regions []string
	seen := make(map[string]bool)
	for _, r := range strings.Split(s, ",") {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		regions = append(regions, r)
	}
	return regions
}

func parseDuration(key, def string, allowZero bool) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}
