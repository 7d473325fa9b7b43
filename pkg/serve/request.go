package serve

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/harshabose/camito/pkg/transcode"
)

var ErrInvalidParameter = transcode.ErrInvalidParameter

const (
	DefaultQuality = 60
	DefaultFPS     = 1.0
	DefaultMaxFPS  = 30.0
)

// Defaults are the values a request falls back to when a parameter is absent
// or malformed.
type Defaults struct {
	Camera  string
	Quality int
	FPS     float64
	MaxFPS  float64

	// MaxDimension bounds either side of a requested resolution. It is capped
	// at transcode.MaxDimension.
	MaxDimension int
}

func (d *Defaults) SetDefaults() {
	if d.Quality < transcode.MinQuality || d.Quality > transcode.MaxQuality {
		d.Quality = DefaultQuality
	}

	if d.FPS <= 0 {
		d.FPS = DefaultFPS
	}

	if d.MaxFPS <= 0 {
		d.MaxFPS = DefaultMaxFPS
	}

	if d.FPS > d.MaxFPS {
		d.FPS = d.MaxFPS
	}

	if d.MaxDimension <= 0 || d.MaxDimension > transcode.MaxDimension {
		d.MaxDimension = transcode.MaxDimension
	}
}

// Request is one downstream request after parsing. Size is nil when the
// native frame geometry should be kept.
type Request struct {
	Camera  string
	Size    *transcode.Size
	Quality int
	FPS     float64
}

// PacingDelay is the interval a streaming caller should wait between frames.
func (r Request) PacingDelay() time.Duration {
	return PacingDelay(r.FPS)
}

func PacingDelay(fps float64) time.Duration {
	if fps <= 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		fps = DefaultFPS
	}

	return time.Duration(float64(time.Second) / fps)
}

// ParseRequest reads the camera, resolution, quality and fps query
// parameters. Malformed values are replaced by their defaults and reported in
// the returned error (wrapping ErrInvalidParameter); the returned Request is
// always usable.
func ParseRequest(values url.Values, defaults Defaults) (Request, error) {
	defaults.SetDefaults()

	req := Request{
		Camera:  values.Get("camera"),
		Quality: defaults.Quality,
		FPS:     defaults.FPS,
	}
	if req.Camera == "" {
		req.Camera = defaults.Camera
	}

	var errs []error

	if raw := values.Get("resolution"); raw != "" {
		size, err := ParseResolution(raw, defaults.MaxDimension)
		if err != nil {
			errs = append(errs, err)
		} else {
			req.Size = &size
		}
	}

	if raw := values.Get("quality"); raw != "" {
		quality, err := strconv.Atoi(strings.TrimSpace(raw))
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("%w: quality %q", ErrInvalidParameter, raw))
		case quality < transcode.MinQuality:
			req.Quality = transcode.MinQuality
			errs = append(errs, fmt.Errorf("%w: quality %d clamped to %d", ErrInvalidParameter, quality, req.Quality))
		case quality > transcode.MaxQuality:
			req.Quality = transcode.MaxQuality
			errs = append(errs, fmt.Errorf("%w: quality %d clamped to %d", ErrInvalidParameter, quality, req.Quality))
		default:
			req.Quality = quality
		}
	}

	if raw := values.Get("fps"); raw != "" {
		fps, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		switch {
		case err != nil || fps <= 0 || math.IsNaN(fps) || math.IsInf(fps, 0):
			errs = append(errs, fmt.Errorf("%w: fps %q", ErrInvalidParameter, raw))
		case fps > defaults.MaxFPS:
			req.FPS = defaults.MaxFPS
		default:
			req.FPS = fps
		}
	}

	return req, errors.Join(errs...)
}

// ParseResolution parses "WxH". Either side may be empty or zero, in which
// case it is derived from the source aspect ratio at transcode time. Sides
// above maxDimension are rejected; maxDimension <= 0 means
// transcode.MaxDimension.
func ParseResolution(raw string, maxDimension int) (transcode.Size, error) {
	if maxDimension <= 0 || maxDimension > transcode.MaxDimension {
		maxDimension = transcode.MaxDimension
	}

	w, h, found := strings.Cut(strings.ToLower(strings.TrimSpace(raw)), "x")
	if !found {
		return transcode.Size{}, fmt.Errorf("%w: resolution %q is not WxH", ErrInvalidParameter, raw)
	}

	width, err := parseDimension(w)
	if err != nil {
		return transcode.Size{}, fmt.Errorf("%w: resolution %q: %v", ErrInvalidParameter, raw, err)
	}

	height, err := parseDimension(h)
	if err != nil {
		return transcode.Size{}, fmt.Errorf("%w: resolution %q: %v", ErrInvalidParameter, raw, err)
	}

	if width == 0 && height == 0 {
		return transcode.Size{}, fmt.Errorf("%w: resolution %q has no dimension", ErrInvalidParameter, raw)
	}

	if width > maxDimension || height > maxDimension {
		return transcode.Size{}, fmt.Errorf("%w: resolution %q exceeds %d", ErrInvalidParameter, raw, maxDimension)
	}

	return transcode.Size{Width: width, Height: height}, nil
}

func parseDimension(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "none" {
		return 0, nil
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}

	if v < 0 {
		return 0, fmt.Errorf("negative dimension %d", v)
	}

	return v, nil
}
