package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
)

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.ServiceIP == "" && cfg.ServiceInterface != "" {
		ip, err := interfaceIP(cfg.ServiceInterface)
		if err != nil {
			return nil, fmt.Errorf("serviceInterface: %w", err)
		}
		cfg.ServiceIP = ip
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors.
func (l *Loader) validate(cfg *Config) error {
	if cfg.ServiceName == "" {
		return fmt.Errorf("serviceName is required")
	}
	if cfg.ServicePort < 1 || cfg.ServicePort > 65535 {
		return fmt.Errorf("servicePort must be between 1 and 65535, got %d", cfg.ServicePort)
	}
	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("requestTimeout must be >= 0")
	}
	if cfg.QueuerDB < 0 || cfg.QueuerDB > 15 {
		return fmt.Errorf("queuerDB must be between 0 and 15, got %d", cfg.QueuerDB)
	}
	if cfg.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if cfg.RouterToken != "" {
		if _, err := uuid.Parse(cfg.RouterToken); err != nil {
			return fmt.Errorf("routerToken must be a UUID: %w", err)
		}
	}
	if cfg.ForceMessageSignature && cfg.SignatureSharedSecret == "" {
		return fmt.Errorf("forceMessageSignature requires signatureSharedSecret")
	}
	for base, patterns := range cfg.ExternalRoutes {
		if base == "" {
			return fmt.Errorf("externalRoutes: base URL must not be empty")
		}
		if len(patterns) == 0 {
			return fmt.Errorf("externalRoutes %s: at least one pattern is required", base)
		}
	}
	return nil
}

// interfaceIP resolves a network interface name to its first IPv4 address.
func interfaceIP(name string) (string, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return "", fmt.Errorf("unknown interface %q: %w", name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok {
			if v4 := ipNet.IP.To4(); v4 != nil {
				return v4.String(), nil
			}
		}
	}
	return "", fmt.Errorf("interface %q has no IPv4 address", name)
}
