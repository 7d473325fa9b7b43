package https

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

type Server struct {
	httpServer *http.Server
	config     Config
	router     *http.ServeMux
	logger     *slog.Logger

	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
	mux    sync.RWMutex
	wg     sync.WaitGroup

	rateLimiters   *expirable.LRU[string, *rate.Limiter]
	rateLimiterMux sync.Mutex

	health *health
}

func NewServer(ctx context.Context, config Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	ctx2, cancel := context.WithCancel(ctx)
	router := http.NewServeMux()

	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(config.Addr, strconv.Itoa(int(config.Port))),
			ReadHeaderTimeout: config.ReadTimeout,
			WriteTimeout:      config.WriteTimeout,
			Handler:           router,
		},
		config: config,
		logger: logger.With("component", "https"),
		health: &health{
			State:        ServerDown,
			RecentErrors: NewBufferedErrors(10), // Default to storing 10 most recent errors
		},
		rateLimiters: expirable.NewLRU[string, *rate.Limiter](10_000, nil, time.Hour),
		ctx:          ctx2,
		cancel:       cancel,
	}

	router.HandleFunc("GET /internal/status", s.LoggingMiddleware(s.CorsMiddleware(s.InternalNetworkMiddleware(s.RateLimitMiddleware(s.statusHandler, false)))))

	return s
}

func (s *Server) Ctx() context.Context {
	return s.ctx
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler exposes the router, e.g. for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) AddRequestHandler(pattern string, handler http.HandlerFunc) {
	s.router.HandleFunc(pattern, handler)
}

// PublicRoute wraps handler in the middleware chain used for viewer-facing
// routes.
func (s *Server) PublicRoute(handler http.HandlerFunc) http.HandlerFunc {
	return s.LoggingMiddleware(s.CorsMiddleware(s.RateLimitMiddleware(handler, true)))
}

// InternalRoute wraps handler in the middleware chain used for operator
// routes.
func (s *Server) InternalRoute(handler http.HandlerFunc) http.HandlerFunc {
	return s.LoggingMiddleware(s.CorsMiddleware(s.InternalNetworkMiddleware(s.RateLimitMiddleware(handler, false))))
}

func (s *Server) AppendErrors(err ...string) {
	if len(err) == 0 {
		return
	}

	for _, e := range err {
		s.health.AddError(e)
	}
}

func (s *Server) Serve() {
	s.wg.Add(1)
	go s.start()
}

func (s *Server) ServeAndWait() <-chan struct{} {
	s.Serve()
	return s.ctx.Done()
}

func (s *Server) start() {
	defer s.wg.Done()
	defer s.health.SetState(ServerDown)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
			s.health.SetState(ServerUp)
			s.logger.Info("serving", "addr", s.httpServer.Addr, "tls", s.config.CertPath != "")

			var err error
			if s.config.CertPath != "" && s.config.KeyFile != "" {
				err = s.httpServer.ListenAndServeTLS(s.config.CertPath, s.config.KeyFile)
			} else {
				err = s.httpServer.ListenAndServe()
			}

			if err == nil || errors.Is(err, http.ErrServerClosed) {
				return
			}

			s.health.SetState(ServerDown)
			errMsg := fmt.Sprintf("error while serving: %s", err.Error())
			s.logger.Error("error while serving", "error", err)
			s.health.AddError(errMsg)

			if !s.config.KeepHosting {
				return
			}

			s.logger.Warn("failed to host server, retrying in 5 seconds")
			select {
			case <-time.After(5 * time.Second):
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// GET /internal/status
func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	msg, err := s.health.Marshal()
	if err != nil {
		errMsg := fmt.Sprintf("Failed to marshal health status: %s", err.Error())
		s.health.AddError(errMsg)
		http.Error(w, "Failed to marshal health status", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(msg); err != nil {
		s.logger.Warn("error while sending status response", "error", err)
		s.health.AddError(fmt.Sprintf("Error while sending status response: %s", err.Error()))
	}
}

func (s *Server) Close() error {
	var err error = nil

	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}

		s.mux.Lock()
		defer s.mux.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err = s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("graceful shutdown not possible, closing forcibly", "error", err)
			if err := s.httpServer.Close(); err != nil {
				s.logger.Error("error while closing http server", "error", err)
			}
		}

		// serve loop returns once the listener is shut down
		s.wg.Wait()
	})

	return err
}

// ==========================
// MIDDLEWARE
// ==========================

// InternalNetworkMiddleware only lets clients from TrustedNetworks or loopback
// through. A nil TrustedNetworks allows everyone.
func (s *Server) InternalNetworkMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientIP := s.getClientIP(r)
		if !s.isInternalIP(clientIP) {
			s.logger.Warn("internal route access from external IP", "ip", clientIP, "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	}
}

// RateLimitMiddleware Rate limiting middleware
func (s *Server) RateLimitMiddleware(next http.HandlerFunc, isPublic bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientIP := s.getClientIP(r)

		var limit rate.Limit
		var burst int

		if isPublic {
			limit = rate.Limit(s.config.PublicRateLimit) / 60 // per second
			burst = s.config.BurstSize
		} else {
			limit = rate.Limit(s.config.InternalRateLimit) / 60 // per second
			burst = s.config.BurstSize * 2                      // Higher burst for internal
		}

		key := clientIP
		if !isPublic {
			key = "internal/" + clientIP
		}

		s.rateLimiterMux.Lock()
		limiter, exists := s.rateLimiters.Get(key)
		if !exists {
			limiter = rate.NewLimiter(limit, burst)
			s.rateLimiters.Add(key, limiter)
		}
		s.rateLimiterMux.Unlock()

		if !limiter.Allow() {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(int(limit*60)))
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))

			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(int(limit*60)))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatFloat(limiter.TokensAt(time.Now()), 'f', 0, 64))

		next.ServeHTTP(w, r)
	}
}

func (s *Server) CorsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		originAllowed := s.isOriginAllowed(origin)

		if r.Method == http.MethodOptions {
			if !s.handlePreflight(w, r, originAllowed) {
				return
			}
		} else {
			if !s.handleActualRequest(w, r, originAllowed) {
				return
			}
		}

		s.setCORSHeaders(w, origin, originAllowed)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	}
}

func (s *Server) isOriginAllowed(origin string) bool {
	if origin == "" {
		return true // Same-origin requests
	}

	// nil and * are treated the same
	if (s.config.AllowedOrigins == nil || slices.Contains(s.config.AllowedOrigins, "*")) && s.config.AllowWildcard {
		return true
	}

	for _, allowedOrigin := range s.config.AllowedOrigins {
		if allowedOrigin == origin {
			return true
		}

		if strings.HasPrefix(allowedOrigin, "*.") {
			domain := allowedOrigin[2:] // Remove "*."
			if strings.HasSuffix(origin, "."+domain) || origin == domain {
				return true
			}
		}
	}
	return false
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request, originAllowed bool) bool {
	if !s.config.StrictMode {
		return true
	}

	if !originAllowed {
		s.logCORSViolation("origin not allowed", r)
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return false
	}

	if !s.isMethodAllowed(r.Header.Get("Access-Control-Request-Method")) {
		s.logCORSViolation("method not allowed", r)
		http.Error(w, "Method not allowed", http.StatusForbidden)
		return false
	}

	if !s.areHeadersAllowed(r.Header.Get("Access-Control-Request-Headers")) {
		s.logCORSViolation("headers not allowed", r)
		http.Error(w, "Headers not allowed", http.StatusForbidden)
		return false
	}

	return true
}

func (s *Server) handleActualRequest(w http.ResponseWriter, r *http.Request, originAllowed bool) bool {
	if !s.config.StrictMode {
		return true
	}

	if !originAllowed {
		s.logCORSViolation("origin not allowed for actual request", r)
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return false
	}

	if !s.isMethodAllowed(r.Method) {
		s.logCORSViolation("method not allowed for actual request", r)
		http.Error(w, "Method not allowed by CORS", http.StatusMethodNotAllowed)
		return false
	}

	return true
}

func (s *Server) setCORSHeaders(w http.ResponseWriter, origin string, originAllowed bool) {
	if !originAllowed {
		w.Header().Add("Vary", "Origin")
		return
	}

	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}

	if s.config.AllowedMethods != nil {
		w.Header().Set("Access-Control-Allow-Methods", strings.Join(s.config.AllowedMethods, ", "))
	} else {
		w.Header().Set("Access-Control-Allow-Methods", "*")
	}
	if s.config.AllowedHeaders != nil {
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(s.config.AllowedHeaders, ", "))
	} else {
		w.Header().Set("Access-Control-Allow-Headers", "*")
	}

	if s.config.AllowCredentials && origin != "" {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}

	w.Header().Set("Access-Control-Max-Age", strconv.Itoa(s.config.MaxAge))

	if len(s.config.ExposedHeaders) > 0 {
		w.Header().Set("Access-Control-Expose-Headers", strings.Join(s.config.ExposedHeaders, ", "))
	}

	w.Header().Add("Vary", "Origin")
	w.Header().Add("Vary", "Access-Control-Request-Method")
	w.Header().Add("Vary", "Access-Control-Request-Headers")
}

func (s *Server) isMethodAllowed(method string) bool {
	if method == "" {
		return false
	}

	if s.config.AllowedMethods == nil {
		return true
	}

	return slices.Contains(s.config.AllowedMethods, method)
}

func (s *Server) areHeadersAllowed(requestedHeaders string) bool {
	if requestedHeaders == "" {
		return true
	}

	if s.config.AllowedHeaders == nil {
		return true
	}

	// CORS-safe-listed headers
	safeHeaders := map[string]bool{
		"accept":           true,
		"accept-language":  true,
		"content-language": true,
		"content-type":     true,
	}

	for _, header := range strings.Split(requestedHeaders, ",") {
		header = strings.TrimSpace(strings.ToLower(header))

		if header == "" || safeHeaders[header] {
			continue
		}

		headerAllowed := false
		for _, allowedHeader := range s.config.AllowedHeaders {
			if strings.ToLower(strings.TrimSpace(allowedHeader)) == header {
				headerAllowed = true
				break
			}
		}

		if !headerAllowed {
			return false
		}
	}

	return true
}

func (s *Server) logCORSViolation(reason string, r *http.Request) {
	if s.config.LogViolations {
		s.logger.Warn("CORS violation",
			"reason", reason,
			"origin", r.Header.Get("Origin"),
			"method", r.Header.Get("Access-Control-Request-Method"),
			"headers", r.Header.Get("Access-Control-Request-Headers"),
		)
	}
}

// LoggingMiddleware Logging middleware
func (s *Server) LoggingMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapper, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"query", r.URL.RawQuery,
			"client", s.getClientIP(r),
			"status", wrapper.statusCode,
			"bytes", wrapper.written,
			"duration", time.Since(start),
			"user_agent", r.UserAgent(),
		)
	}
}

// ==========================
// HELPER FUNCTIONS
// ==========================

func (s *Server) getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header (from load balancers/proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Take the first IP (original client)
		if ips := strings.Split(xff, ","); len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	// Check X-Real-IP header (from Nginx/Traefik/etc)
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) isInternalIP(ip string) bool {
	if s.config.TrustedNetworks == nil {
		return true
	}

	for _, network := range s.config.TrustedNetworks {
		if _, ipNet, err := net.ParseCIDR(network); err == nil {
			if ipNet.Contains(net.ParseIP(ip)) {
				return true
			}
		}
	}

	return isLoopBack(ip)
}

type responseWriter struct {
	http.ResponseWriter
	statusCode    int
	headerWritten bool
	written       int64
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.headerWritten {
		return
	}
	rw.headerWritten = true
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("responseWriter does not support hijacking")
	}
	rw.headerWritten = true
	rw.statusCode = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (rw *responseWriter) Write(data []byte) (int, error) {
	if !rw.headerWritten {
		rw.WriteHeader(200)
	}
	n, err := rw.ResponseWriter.Write(data)
	rw.written += int64(n)
	return n, err
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer, e.g. to
// move write deadlines for long-lived streams.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
