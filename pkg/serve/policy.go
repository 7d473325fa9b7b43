// Package serve turns one downstream request into one response: it resolves
// the latest frame of the requested camera, transcodes it and reports why
// nothing could be served when that is the case.
package serve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/harshabose/camito/pkg/camera"
	"github.com/harshabose/camito/pkg/transcode"
)

const DefaultCacheSize = 128

// FrameSource hands out the latest frame of a camera.
type FrameSource interface {
	Latest(ctx context.Context, name string) (camera.Frame, error)
}

// Response is the outcome of Serve. Data is nil when nothing can be served
// and Err then tells why (camera.ErrUnknownCamera, camera.ErrNoFrameYet,
// camera.ErrStale, transcode.ErrDecode, ...).
type Response struct {
	Camera string
	Data   []byte
	Seq    uint64
	Stale  bool
	Err    error
}

func (r Response) Available() bool {
	return r.Data != nil
}

type cacheKey struct {
	camera  string
	seq     uint64
	width   int
	height  int
	native  bool
	quality int
}

type Policy struct {
	source FrameSource
	cache  *lru.Cache[cacheKey, []byte]
	logger *slog.Logger
}

// NewPolicy creates a policy reading from source. cacheSize bounds the number
// of transcoded frames kept for reuse; cacheSize <= 0 uses DefaultCacheSize.
func NewPolicy(source FrameSource, cacheSize int, logger *slog.Logger) (*Policy, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}

	if logger == nil {
		logger = slog.Default()
	}

	cache, err := lru.New[cacheKey, []byte](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("serve: create transcode cache: %w", err)
	}

	return &Policy{
		source: source,
		cache:  cache,
		logger: logger.With("component", "serve"),
	}, nil
}

// Serve never fails: every problem degrades to a Response without data.
func (p *Policy) Serve(ctx context.Context, req Request) Response {
	resp := Response{Camera: req.Camera}

	frame, err := p.source.Latest(ctx, req.Camera)
	if err != nil {
		resp.Err = err
		return resp
	}

	resp.Seq = frame.Seq
	resp.Stale = frame.Stale

	key := cacheKey{camera: req.Camera, seq: frame.Seq, quality: req.Quality, native: req.Size == nil}
	if req.Size != nil {
		key.width, key.height = req.Size.Width, req.Size.Height
	}

	if data, ok := p.cache.Get(key); ok {
		resp.Data = data
		return resp
	}

	data, err := transcode.Transcode(frame.Data, req.Size, req.Quality)
	if err != nil && req.Size != nil && errors.Is(err, transcode.ErrInvalidParameter) {
		// e.g. a derived side larger than transcode.MaxDimension
		p.logger.Debug("requested size rejected, serving native size", "camera", req.Camera, "error", err)

		key = cacheKey{camera: req.Camera, seq: frame.Seq, quality: req.Quality, native: true}
		if cached, ok := p.cache.Get(key); ok {
			resp.Data = cached
			return resp
		}

		data, err = transcode.Transcode(frame.Data, nil, req.Quality)
	}

	if err != nil {
		if errors.Is(err, transcode.ErrDecode) {
			p.logger.Warn("dropping undecodable frame from response", "camera", req.Camera, "seq", frame.Seq, "error", err)
		} else {
			p.logger.Debug("transcode rejected request", "camera", req.Camera, "error", err)
		}
		resp.Err = err
		return resp
	}

	if data == nil {
		resp.Err = fmt.Errorf("%w: %q", camera.ErrNoFrameYet, req.Camera)
		return resp
	}

	p.cache.Add(key, data)
	resp.Data = data

	return resp
}

// Purge drops every cached transcode.
func (p *Policy) Purge() {
	p.cache.Purge()
}
