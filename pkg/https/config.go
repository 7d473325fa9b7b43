package https

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harshabose/camito/pkg/jsontime"
)

type Config struct {
	Addr         string        `json:"addr"`
	Port         uint16        `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	KeepHosting  bool          `json:"keep_hosting"`

	CertPath        string   `json:"cert_path"`
	KeyFile         string   `json:"key_file"`
	TrustedNetworks []string `json:"trusted_networks"` // nil allows every network on internal routes

	// Rate limiting configuration
	PublicRateLimit   int `json:"public_rate_limit"`   // requests per minute
	InternalRateLimit int `json:"internal_rate_limit"` // requests per minute
	BurstSize         int `json:"burst_size"`

	// CORS configuration
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	ExposedHeaders   []string `json:"exposed_headers"` // Headers browsers can access
	AllowCredentials bool     `json:"allow_credentials"`

	// Security options
	StrictMode    bool `json:"strict_mode"`    // Enforce strict CORS validation
	AllowWildcard bool `json:"allow_wildcard"` // Allow "*" origin
	LogViolations bool `json:"log_violations"` // Log CORS violations
	MaxAge        int  `json:"max_age"`        // Cache duration for preflight
}

func DefaultConfig() Config {
	c := Config{AllowWildcard: true}
	c.SetDefaults()

	return c
}

func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = "0.0.0.0"
	}

	if c.Port == 0 {
		c.Port = 8080
	}

	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}

	// long-lived streams refresh their own deadline per frame
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}

	if c.PublicRateLimit == 0 {
		c.PublicRateLimit = 600 // viewers poll snapshots
	}

	if c.InternalRateLimit == 0 {
		c.InternalRateLimit = 300
	}

	if c.BurstSize == 0 {
		c.BurstSize = 20
	}

	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}

	if len(c.AllowedMethods) == 0 {
		c.AllowedMethods = []string{"GET", "HEAD", "OPTIONS"}
	}

	if len(c.AllowedHeaders) == 0 {
		c.AllowedHeaders = []string{
			"Accept",
			"Accept-Language",
			"Content-Language",
			"Content-Type",
			"X-Requested-With",
		}
	}

	if len(c.ExposedHeaders) == 0 {
		c.ExposedHeaders = []string{
			"X-RateLimit-Limit",
			"X-RateLimit-Remaining",
			"X-RateLimit-Reset",
			"X-Frame-Seq",
			"X-Frame-Stale",
		}
	}

	if c.MaxAge == 0 {
		c.MaxAge = 86400 // 24 hours cache for preflight requests
	}
}

// UnmarshalJSON accepts the timeouts either as duration strings ("30s") or as
// nanoseconds.
func (c *Config) UnmarshalJSON(data []byte) error {
	type plain Config
	aux := struct {
		*plain
		ReadTimeout  jsontime.Duration `json:"read_timeout"`
		WriteTimeout jsontime.Duration `json:"write_timeout"`
	}{
		plain:        (*plain)(c),
		ReadTimeout:  jsontime.Duration(c.ReadTimeout),
		WriteTimeout: jsontime.Duration(c.WriteTimeout),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("https: config: %w", err)
	}
	c.ReadTimeout = aux.ReadTimeout.Std()
	c.WriteTimeout = aux.WriteTimeout.Std()

	return nil
}

func (c *Config) AddAllowedHeaders(headers ...string) {
	if c.AllowedHeaders == nil {
		return
	}

	c.AllowedHeaders = append(c.AllowedHeaders, headers...)
}

func (c *Config) AddTrustedNetworks(networks ...string) {
	c.TrustedNetworks = append(c.TrustedNetworks, networks...)
}

func (c *Config) AddExposedHeaders(headers ...string) {
	if c.ExposedHeaders == nil {
		return
	}

	c.ExposedHeaders = append(c.ExposedHeaders, headers...)
}
