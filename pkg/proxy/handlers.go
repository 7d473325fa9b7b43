package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/harshabose/camito/pkg/camera"
	"github.com/harshabose/camito/pkg/mjpeg"
	"github.com/harshabose/camito/pkg/serve"
	"github.com/harshabose/camito/pkg/transcode"
)

type camerasResponse struct {
	Default string          `json:"default"`
	Cameras []camera.Status `json:"cameras"`
}

func (p *Proxy) routes() {
	p.server.AddRequestHandler("GET /snapshot", p.server.PublicRoute(p.snapshotHandler))
	p.server.AddRequestHandler("GET /stream", p.server.PublicRoute(p.streamHandler))
	p.server.AddRequestHandler("GET /ws", p.server.PublicRoute(p.wsHandler))
	p.server.AddRequestHandler("GET /cameras", p.server.PublicRoute(p.camerasHandler))

	p.server.AddRequestHandler("GET /metrics", p.server.InternalRoute(p.metricsHandler))
}

func (p *Proxy) parseRequest(r *http.Request) serve.Request {
	req, err := serve.ParseRequest(r.URL.Query(), p.defaults)
	if err != nil {
		p.logger.Debug("request parameters replaced by defaults", "query", r.URL.RawQuery, "error", err)
	}

	return req
}

// respond runs the serving policy and keeps the counters.
func (p *Proxy) respond(ctx context.Context, req serve.Request) serve.Response {
	resp := p.policy.Serve(ctx, req)
	if !resp.Available() {
		p.metrics.emptyResponse(errors.Is(resp.Err, transcode.ErrDecode))
	}

	return resp
}

// streamContext is cancelled when either the viewer leaves or the proxy
// stops. Shutdown alone would wait for long-lived responses to finish.
func (p *Proxy) streamContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(p.ctx, cancel)

	return ctx, func() {
		stop()
		cancel()
	}
}

// GET /snapshot
func (p *Proxy) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	req := p.parseRequest(r)
	resp := p.respond(r.Context(), req)

	if errors.Is(resp.Err, ErrStopped) {
		http.Error(w, "proxy stopped", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Cache-Control", "no-store")

	if !resp.Available() {
		p.logger.Debug("nothing to serve", "camera", req.Camera, "reason", resp.Err)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Data)))
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(resp.Seq, 10))
	if resp.Stale {
		w.Header().Set("X-Frame-Stale", "true")
	}
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}

	n, err := w.Write(resp.Data)
	if err != nil {
		p.logger.Debug("error while sending snapshot", "camera", req.Camera, "error", err)
		return
	}
	p.metrics.frameServed(n)
}

// GET /stream
func (p *Proxy) streamHandler(w http.ResponseWriter, r *http.Request) {
	if !p.metrics.openStream(p.config.MaxStreams) {
		p.logger.Warn("stream rejected", "active", p.metrics.activeStreams(), "max", p.config.MaxStreams)
		http.Error(w, "max streams reached", http.StatusServiceUnavailable)
		return
	}
	defer p.metrics.closeStream()

	req := p.parseRequest(r)
	ctx, cancel := p.streamContext(r)
	defer cancel()

	writer := mjpeg.NewWriter(w)
	controller := http.NewResponseController(w)

	w.Header().Set("Content-Type", writer.ContentType())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_ = controller.Flush()

	p.logger.Info("stream opened", "camera", req.Camera, "fps", req.FPS, "client", r.RemoteAddr)
	defer p.logger.Info("stream closed", "camera", req.Camera, "client", r.RemoteAddr)

	p.pace(ctx, req, func(data []byte) error {
		// unsupported writers (e.g. recorders) keep the server deadline
		_ = controller.SetWriteDeadline(time.Now().Add(p.config.StreamWriteTimeout))

		return writer.WriteFrame(data)
	})
}

// GET /ws
func (p *Proxy) wsHandler(w http.ResponseWriter, r *http.Request) {
	if !p.metrics.openStream(p.config.MaxStreams) {
		p.logger.Warn("websocket rejected", "active", p.metrics.activeStreams(), "max", p.config.MaxStreams)
		http.Error(w, "max streams reached", http.StatusServiceUnavailable)
		return
	}
	defer p.metrics.closeStream()

	req := p.parseRequest(r)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		p.logger.Warn("error while upgrading http request to websocket", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := p.streamContext(r)
	defer cancel()

	// viewers never send; CloseRead cancels ctx once they go away
	ctx = conn.CloseRead(ctx)

	p.logger.Info("websocket opened", "camera", req.Camera, "fps", req.FPS, "client", r.RemoteAddr)

	p.pace(ctx, req, func(data []byte) error {
		wctx, wcancel := context.WithTimeout(ctx, p.config.StreamWriteTimeout)
		defer wcancel()

		return conn.Write(wctx, websocket.MessageBinary, data)
	})

	status := websocket.StatusNormalClosure
	if p.ctx.Err() != nil {
		status = websocket.StatusGoingAway
	}
	_ = conn.Close(status, "")

	p.logger.Info("websocket closed", "camera", req.Camera, "client", r.RemoteAddr)
}

// pace sends the latest frame of req.Camera through send at req.FPS until ctx
// is done or send fails. Ticks without a servable frame are skipped, the
// viewer stays connected until the camera comes back.
func (p *Proxy) pace(ctx context.Context, req serve.Request, send func([]byte) error) {
	limiter := rate.NewLimiter(rate.Every(req.PacingDelay()), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		resp := p.respond(ctx, req)
		if errors.Is(resp.Err, ErrStopped) {
			return
		}

		if !resp.Available() {
			continue
		}

		if err := send(resp.Data); err != nil {
			p.logger.Debug("viewer write failed", "camera", req.Camera, "error", err)
			return
		}
		p.metrics.frameServed(len(resp.Data))
	}
}

// GET /cameras
func (p *Proxy) camerasHandler(w http.ResponseWriter, r *http.Request) {
	def, statuses, err := p.Statuses(r.Context())
	if err != nil {
		http.Error(w, "proxy stopped", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(camerasResponse{Default: def, Cameras: statuses}); err != nil {
		p.logger.Warn("error while sending cameras response", "error", err)
	}
}

// GET /metrics
func (p *Proxy) metricsHandler(w http.ResponseWriter, _ *http.Request) {
	p.metrics.updateUptime()

	msg, err := p.metrics.Marshal()
	if err != nil {
		errMsg := fmt.Sprintf("Failed to marshal metrics: %s", err.Error())
		p.server.AppendErrors(errMsg)
		http.Error(w, "Failed to marshal metrics", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(msg); err != nil {
		p.logger.Warn("error while sending metrics response", "error", err)
		p.server.AppendErrors(fmt.Sprintf("Error while sending metrics response: %s", err.Error()))
	}
}
