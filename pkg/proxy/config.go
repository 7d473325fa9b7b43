package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/harshabose/camito/pkg/camera"
	"github.com/harshabose/camito/pkg/framebuffer"
	"github.com/harshabose/camito/pkg/https"
	"github.com/harshabose/camito/pkg/jsontime"
	"github.com/harshabose/camito/pkg/mjpeg"
	"github.com/harshabose/camito/pkg/serve"
	"github.com/harshabose/camito/pkg/transcode"
)

var ErrInvalidConfig = errors.New("proxy: invalid config")

const DefaultMaxStreams = 100

// Resource is one upstream camera: the name viewers ask for and the MJPEG
// endpoint it is pulled from.
type Resource struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ParseResource parses "name=url".
func ParseResource(raw string) (Resource, error) {
	name, u, found := strings.Cut(raw, "=")
	if !found {
		return Resource{}, fmt.Errorf("%w: resource %q is not name=url", ErrInvalidConfig, raw)
	}

	return Resource{Name: strings.TrimSpace(name), URL: strings.TrimSpace(u)}, nil
}

type Config struct {
	Resources []Resource `json:"resources"`

	BufferCapacity int                `json:"buffer_capacity"`
	Stale          camera.StalePolicy `json:"stale"`

	DefaultQuality int     `json:"default_quality"`
	DefaultFPS     float64 `json:"default_fps"`
	MaxFPS         float64 `json:"max_fps"`
	CacheSize      int     `json:"cache_size"`
	MaxDimension   int     `json:"max_dimension"` // largest requested width or height, at most transcode.MaxDimension

	// MaxStreams bounds concurrent /stream and /ws viewers. 0 takes the
	// default; a negative value allows any number.
	MaxStreams         int           `json:"max_streams"`
	StreamWriteTimeout time.Duration `json:"stream_write_timeout"`

	Upstream mjpeg.ClientConfig `json:"upstream"`
	HTTP     https.Config       `json:"http"`
}

func DefaultConfig() Config {
	c := Config{Upstream: mjpeg.DefaultClientConfig(), HTTP: https.DefaultConfig()}
	c.SetDefaults()

	return c
}

func (c *Config) SetDefaults() {
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = framebuffer.DefaultCapacity
	}

	c.Stale.SetDefaults()

	if c.DefaultQuality == 0 {
		c.DefaultQuality = serve.DefaultQuality
	}

	if c.DefaultFPS == 0 {
		c.DefaultFPS = serve.DefaultFPS
	}

	if c.MaxFPS == 0 {
		c.MaxFPS = serve.DefaultMaxFPS
	}

	if c.CacheSize == 0 {
		c.CacheSize = serve.DefaultCacheSize
	}

	if c.MaxStreams == 0 {
		c.MaxStreams = DefaultMaxStreams
	}

	if c.StreamWriteTimeout == 0 {
		c.StreamWriteTimeout = 10 * time.Second
	}

	c.Upstream.SetDefaults()

	c.HTTP.SetDefaults()
}

// LoadConfig reads a JSON config file. Fields missing from the file take
// their defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("proxy: read config: %w", err)
	}

	// upstreams reconnect and any origin is allowed unless the file says otherwise
	c := Config{
		Upstream: mjpeg.ClientConfig{Reconnect: true},
		HTTP:     https.Config{AllowWildcard: true},
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("proxy: parse config %s: %w", path, err)
	}
	c.SetDefaults()

	return c, nil
}

// UnmarshalJSON accepts stream_write_timeout either as a duration string
// ("10s") or as nanoseconds.
func (c *Config) UnmarshalJSON(data []byte) error {
	type plain Config
	aux := struct {
		*plain
		StreamWriteTimeout jsontime.Duration `json:"stream_write_timeout"`
	}{plain: (*plain)(c), StreamWriteTimeout: jsontime.Duration(c.StreamWriteTimeout)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.StreamWriteTimeout = aux.StreamWriteTimeout.Std()

	return nil
}

// AddResources appends resources, e.g. from the command line.
func (c *Config) AddResources(resources ...Resource) {
	c.Resources = append(c.Resources, resources...)
}

func (c Config) Validate() error {
	var errs []error

	names := make(map[string]struct{}, len(c.Resources))
	urls := make(map[string]struct{}, len(c.Resources))

	for i, r := range c.Resources {
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("%w: resource %d has no name", ErrInvalidConfig, i))
		}

		if _, exists := names[r.Name]; exists {
			errs = append(errs, fmt.Errorf("%w: duplicate camera name %q", ErrInvalidConfig, r.Name))
		}
		names[r.Name] = struct{}{}

		if _, exists := urls[r.URL]; exists {
			errs = append(errs, fmt.Errorf("%w: duplicate camera url %q", ErrInvalidConfig, r.URL))
		}
		urls[r.URL] = struct{}{}

		u, err := url.Parse(r.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%w: camera %q needs an http(s) url, got %q", ErrInvalidConfig, r.Name, r.URL))
		}
	}

	if err := c.Stale.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidConfig, err))
	}

	if c.DefaultFPS < 0 || c.MaxFPS < 0 {
		errs = append(errs, fmt.Errorf("%w: fps must not be negative", ErrInvalidConfig))
	}

	if c.MaxDimension < 0 || c.MaxDimension > transcode.MaxDimension {
		errs = append(errs, fmt.Errorf("%w: max_dimension must be between 0 and %d", ErrInvalidConfig, transcode.MaxDimension))
	}

	return errors.Join(errs...)
}

func (c Config) defaults() serve.Defaults {
	d := serve.Defaults{
		Quality: c.DefaultQuality,
		FPS:     c.DefaultFPS,
		MaxFPS:  c.MaxFPS,

		MaxDimension: c.MaxDimension,
	}
	if len(c.Resources) > 0 {
		d.Camera = c.Resources[0].Name
	}
	d.SetDefaults()

	return d
}
