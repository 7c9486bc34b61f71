// Package config defines the gateway configuration and its YAML loader.
package config

import (
	"fmt"
	"time"
)

// RedisConfig points at the registry / queue store.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config is the full gateway configuration.
type Config struct {
	ServiceName      string `yaml:"serviceName"`
	ServiceIP        string `yaml:"serviceIP"`
	ServiceInterface string `yaml:"serviceInterface"`
	ServicePort      int    `yaml:"servicePort"`
	ServiceVersion   string `yaml:"serviceVersion"`

	// RequestTimeout is the forwarded-call timeout in seconds.
	RequestTimeout int `yaml:"requestTimeout"`

	DebugLogging          bool   `yaml:"debugLogging"`
	DisableRouterEndpoint bool   `yaml:"disableRouterEndpoint"`
	RouterToken           string `yaml:"routerToken"`

	ForceMessageSignature bool   `yaml:"forceMessageSignature"`
	SignatureSharedSecret string `yaml:"signatureSharedSecret"`

	// CORS overrides the default access-control response headers.
	CORS map[string]string `yaml:"cors"`

	// ExternalRoutes maps an external base URL to the route patterns served
	// there; the patterns join the route table alongside registry routes.
	ExternalRoutes map[string][]string `yaml:"externalRoutes"`

	// QueuerDB selects the Redis logical database for the offline queue.
	QueuerDB int `yaml:"queuerDB"`

	Redis   RedisConfig   `yaml:"redis"`
	Logging LoggingConfig `yaml:"logging"`

	ShutdownGrace time.Duration `yaml:"shutdownGrace"`
}

// DefaultConfig returns a config with working defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "hydra-router",
		ServiceIP:      "0.0.0.0",
		ServicePort:    5353,
		RequestTimeout: 5,
		Redis: RedisConfig{
			URL: "redis://localhost:6379",
			DB:  0,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		ShutdownGrace: time.Second,
	}
}

// RequestTimeoutDuration returns the forwarded-call timeout, falling back
// to 5s when unset.
func (c *Config) RequestTimeoutDuration() time.Duration {
	if c.RequestTimeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.RequestTimeout) * time.Second
}

// defaultCORSHeaders are applied to every forwarded and admin response.
var defaultCORSHeaders = map[string]string{
	"access-control-allow-origin":  "*",
	"access-control-allow-methods": "GET, POST, PUT, DELETE, HEAD, OPTIONS",
	"access-control-allow-headers": "Accept, Authorization, Content-Type, X-Requested-With",
	"access-control-max-age":       "86400",
}

// CORSHeaders returns the default CORS header set merged with any
// configured overrides.
func (c *Config) CORSHeaders() map[string]string {
	out := make(map[string]string, len(defaultCORSHeaders)+len(c.CORS))
	for k, v := range defaultCORSHeaders {
		out[k] = v
	}
	for k, v := range c.CORS {
		out[k] = v
	}
	return out
}

// Address returns the listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.ServiceIP, c.ServicePort)
}
