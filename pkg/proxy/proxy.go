// Package proxy ties the pieces together: it keeps one upstream connection
// per configured camera, stores their frames in the camera registry and
// serves transcoded frames over HTTP.
//
// The registry is owned by a single dispatch goroutine. Upstream events and
// registry reads issued by HTTP handlers are executed on it one at a time, in
// arrival order.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/harshabose/camito/pkg/camera"
	"github.com/harshabose/camito/pkg/https"
	"github.com/harshabose/camito/pkg/mjpeg"
	"github.com/harshabose/camito/pkg/serve"
)

var ErrStopped = errors.New("proxy: stopped")

// Upstream opens MJPEG connections and reports what happens on them.
// *mjpeg.Client is the production implementation.
type Upstream interface {
	Get(url string) uuid.UUID
	Events() <-chan mjpeg.Event
	Close() error
}

type Option func(*Proxy)

// WithUpstream replaces the HTTP MJPEG client.
func WithUpstream(upstream Upstream) Option {
	return func(p *Proxy) {
		p.upstream = upstream
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Proxy) {
		p.logger = logger
	}
}

type Proxy struct {
	config   Config
	defaults serve.Defaults

	registry *camera.Registry
	policy   *serve.Policy
	upstream Upstream
	server   *https.Server
	metrics  *metrics
	logger   *slog.Logger

	calls   chan func()
	group   *errgroup.Group
	loopCtx context.Context

	bootOnce    sync.Once
	startOnce   sync.Once
	stopOnce    sync.Once
	cleanupOnce sync.Once
	bootErr     error
	stopErr     error

	ctx    context.Context
	cancel context.CancelFunc
}

// New fills in every unset config field with its default before validating
// it, so a partially filled Config is usable as is.
func New(ctx context.Context, config Config, options ...Option) (*Proxy, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	ctx2, cancel := context.WithCancel(ctx)
	group, loopCtx := errgroup.WithContext(ctx2)

	p := &Proxy{
		config:   config,
		defaults: config.defaults(),
		registry: camera.NewRegistry(config.BufferCapacity, config.Stale),
		metrics:  &metrics{},
		calls:    make(chan func()),
		group:    group,
		loopCtx:  loopCtx,
		ctx:      ctx2,
		cancel:   cancel,
	}

	for _, option := range options {
		option(p)
	}

	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "proxy")

	if p.upstream == nil {
		p.upstream = mjpeg.NewClient(ctx2, config.Upstream, p.logger)
	}

	policy, err := serve.NewPolicy(p, config.CacheSize, p.logger)
	if err != nil {
		cancel()
		return nil, err
	}
	p.policy = policy

	config.HTTP.AddAllowedHeaders("Upgrade", "Sec-WebSocket-Key", "Sec-WebSocket-Version", "Sec-WebSocket-Extensions", "Sec-WebSocket-Protocol")
	p.server = https.NewServer(ctx2, config.HTTP, p.logger)
	p.routes()

	return p, nil
}

// Handler exposes every route, e.g. for httptest servers.
func (p *Proxy) Handler() http.Handler {
	return p.server.Handler()
}

func (p *Proxy) Ctx() context.Context {
	return p.ctx
}

// Boot opens one upstream connection per configured camera and registers it.
// It runs once; later calls return the first result. Boot must not race with
// the dispatch loop, Start calls it before the loop is running.
func (p *Proxy) Boot() error {
	p.bootOnce.Do(func() {
		var errs []error
		for _, resource := range p.config.Resources {
			conn := p.upstream.Get(resource.URL)
			if _, err := p.registry.Register(resource.Name, resource.URL, conn); err != nil {
				errs = append(errs, err)
				continue
			}

			p.logger.Info("camera registered", "camera", resource.Name, "url", resource.URL, "conn", conn)
		}

		if len(p.config.Resources) == 0 {
			p.logger.Warn("no cameras configured, every request will be empty")
		}

		p.bootErr = errors.Join(errs...)
	})

	return p.bootErr
}

// Start boots the cameras, runs the dispatch loop and starts serving HTTP.
func (p *Proxy) Start() error {
	var err error

	p.startOnce.Do(func() {
		if err = p.Boot(); err != nil {
			return
		}

		p.group.Go(func() error {
			return p.loop(p.loopCtx)
		})

		p.metrics.resetUptime()
		p.server.Serve()
	})

	return err
}

// StartAndWait starts the proxy and returns a channel closed once it stops.
func (p *Proxy) StartAndWait() (<-chan struct{}, error) {
	if err := p.Start(); err != nil {
		return nil, err
	}

	return p.ctx.Done(), nil
}

// Stop closes the upstream connections, shuts the HTTP server down and waits
// for the dispatch loop. Calls after the first return the first result.
func (p *Proxy) Stop() error {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}

		var errs []error
		if err := p.upstream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("proxy: close upstream: %w", err))
		}

		if err := p.server.Close(); err != nil {
			errs = append(errs, fmt.Errorf("proxy: close http server: %w", err))
		}

		if err := p.group.Wait(); err != nil {
			errs = append(errs, err)
		}

		p.stopErr = errors.Join(errs...)
		p.logger.Info("stopped")
	})

	return p.stopErr
}

// Cleanup stops the proxy if it is still running and releases every buffered
// and cached frame.
func (p *Proxy) Cleanup() {
	_ = p.Stop()

	p.cleanupOnce.Do(func() {
		p.registry.Reset()
		p.policy.Purge()
	})
}

func (p *Proxy) Close() error {
	err := p.Stop()
	p.Cleanup()

	return err
}

func (p *Proxy) loop(ctx context.Context) error {
	events := p.upstream.Events()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			p.dispatch(event)
		case call := <-p.calls:
			call()
		}
	}
}

func (p *Proxy) dispatch(event mjpeg.Event) {
	switch event.Kind {
	case mjpeg.EventFrame:
		accepted := p.registry.OnFrame(event.Conn, event.Data)
		p.metrics.frameIn(accepted)
		if !accepted {
			p.logger.Debug("dropping frame of unknown connection", "conn", event.Conn)
		}
		return
	case mjpeg.EventOpen:
		p.registry.OnOpen(event.Conn)
	case mjpeg.EventClose:
		p.registry.OnClose(event.Conn)
	case mjpeg.EventError:
		p.registry.OnError(event.Conn, event.Err)
	}

	d, ok := p.registry.ResolveByConnection(event.Conn)
	if !ok {
		p.logger.Debug("event of unknown connection", "conn", event.Conn, "event", event.Kind)
		return
	}

	switch event.Kind {
	case mjpeg.EventOpen:
		p.logger.Info("camera connected", "camera", d.Name)
	case mjpeg.EventClose:
		p.logger.Warn("camera disconnected", "camera", d.Name)
	case mjpeg.EventError:
		p.logger.Warn("camera upstream failed", "camera", d.Name, "error", event.Err)
		p.server.AppendErrors(fmt.Sprintf("camera %s: %v", d.Name, event.Err))
	}
}

// do runs fn on the dispatch loop and waits for it.
func (p *Proxy) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	call := func() {
		fn()
		close(done)
	}

	select {
	case p.calls <- call:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrStopped
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrStopped
	}
}

// Latest returns the latest frame of the named camera. It is safe to call
// from any goroutine.
func (p *Proxy) Latest(ctx context.Context, name string) (camera.Frame, error) {
	var (
		frame camera.Frame
		err   error
	)

	if e := p.do(ctx, func() { frame, err = p.registry.Latest(name) }); e != nil {
		return camera.Frame{}, e
	}

	return frame, err
}

// Statuses reports every camera in registration order together with the
// name requests fall back to when they do not pick a camera.
func (p *Proxy) Statuses(ctx context.Context) (string, []camera.Status, error) {
	var (
		def      string
		statuses []camera.Status
	)

	if err := p.do(ctx, func() {
		def = p.registry.Default()
		statuses = p.registry.Statuses()
	}); err != nil {
		return "", nil, err
	}

	return def, statuses, nil
}
