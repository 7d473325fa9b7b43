// Package mjpeg speaks motion-JPEG over HTTP: Client keeps upstream
// multipart/x-mixed-replace connections open and emits their frames as
// events, Writer produces the same format for downstream clients.
package mjpeg

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harshabose/camito/pkg/jsontime"
)

var (
	ErrNotMultipart  = errors.New("mjpeg: upstream is not multipart/x-mixed-replace")
	ErrFrameTooLarge = errors.New("mjpeg: frame exceeds size limit")
	ErrClientClosed  = errors.New("mjpeg: client closed")
	ErrFrameTimeout  = errors.New("mjpeg: no frame within timeout")
)

type EventKind int

const (
	EventOpen EventKind = iota
	EventFrame
	EventClose
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventFrame:
		return "frame"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is something that happened on one upstream connection. Data is set
// for EventFrame, Err for EventError.
type Event struct {
	Conn uuid.UUID
	Kind EventKind
	Data []byte
	Err  error
}

type ClientConfig struct {
	ConnectTimeout time.Duration `json:"connect_timeout"`
	FrameTimeout   time.Duration `json:"frame_timeout"` // negative never times out a streaming upstream
	MaxFrameSize   int64         `json:"max_frame_size"`
	EventQueueSize int           `json:"event_queue_size"`

	Reconnect     bool          `json:"reconnect"`
	MaxRetries    int           `json:"max_retries"` // 0 retries forever
	RetryDelay    time.Duration `json:"retry_delay"`
	MaxRetryDelay time.Duration `json:"max_retry_delay"`
}

func DefaultClientConfig() ClientConfig {
	c := ClientConfig{Reconnect: true}
	c.SetDefaults()

	return c
}

func (c *ClientConfig) SetDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}

	if c.FrameTimeout == 0 {
		c.FrameTimeout = 10 * time.Second
	}

	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = 8 << 20
	}

	if c.EventQueueSize == 0 {
		c.EventQueueSize = 64
	}

	if c.RetryDelay == 0 {
		c.RetryDelay = time.Second
	}

	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = 30 * time.Second
	}
}

// UnmarshalJSON accepts every duration either as a string ("30s") or as
// nanoseconds.
func (c *ClientConfig) UnmarshalJSON(data []byte) error {
	type plain ClientConfig
	aux := struct {
		*plain
		ConnectTimeout jsontime.Duration `json:"connect_timeout"`
		FrameTimeout   jsontime.Duration `json:"frame_timeout"`
		RetryDelay     jsontime.Duration `json:"retry_delay"`
		MaxRetryDelay  jsontime.Duration `json:"max_retry_delay"`
	}{
		plain:          (*plain)(c),
		ConnectTimeout: jsontime.Duration(c.ConnectTimeout),
		FrameTimeout:   jsontime.Duration(c.FrameTimeout),
		RetryDelay:     jsontime.Duration(c.RetryDelay),
		MaxRetryDelay:  jsontime.Duration(c.MaxRetryDelay),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("mjpeg: client config: %w", err)
	}

	c.ConnectTimeout = aux.ConnectTimeout.Std()
	c.FrameTimeout = aux.FrameTimeout.Std()
	c.RetryDelay = aux.RetryDelay.Std()
	c.MaxRetryDelay = aux.MaxRetryDelay.Std()

	return nil
}

// Client multiplexes many upstream MJPEG connections onto one event channel.
type Client struct {
	httpClient *http.Client
	config     ClientConfig
	events     chan Event
	logger     *slog.Logger

	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewClient(ctx context.Context, config ClientConfig, logger *slog.Logger) *Client {
	config.SetDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	ctx2, cancel := context.WithCancel(ctx)

	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: config.ConnectTimeout,
				IdleConnTimeout:       90 * time.Second,
			},
		},
		config: config,
		events: make(chan Event, config.EventQueueSize),
		logger: logger.With("component", "mjpeg-client"),
		ctx:    ctx2,
		cancel: cancel,
	}
}

// Get opens a connection to url and returns its identity. Frames, closes and
// errors of the connection are reported on Events under that identity until
// the client is closed.
func (c *Client) Get(url string) uuid.UUID {
	conn := uuid.New()

	c.wg.Add(1)
	go c.run(conn, url)

	return conn
}

func (c *Client) Events() <-chan Event {
	return c.events
}

// Close stops every connection and waits for their goroutines. The event
// channel is not closed; consumers should stop on their own context.
func (c *Client) Close() error {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}

		c.wg.Wait()
	})

	return nil
}

func (c *Client) run(conn uuid.UUID, url string) {
	defer c.wg.Done()

	logger := c.logger.With("conn", conn, "url", url)
	retries := 0

	for {
		opened, err := c.stream(conn, url)
		if c.ctx.Err() != nil {
			return
		}

		if err != nil {
			logger.Error("upstream failed", "error", err)
			c.emit(Event{Conn: conn, Kind: EventError, Err: err})
		} else {
			logger.Info("upstream ended")
			c.emit(Event{Conn: conn, Kind: EventClose})
		}

		if !c.config.Reconnect {
			return
		}

		// a connection that got as far as streaming restarts the schedule
		if opened {
			retries = 0
		}

		retries++
		if c.config.MaxRetries > 0 && retries > c.config.MaxRetries {
			logger.Error("giving up on upstream", "max_retries", c.config.MaxRetries)
			return
		}

		delay := backoff(retries, c.config.RetryDelay, c.config.MaxRetryDelay)
		logger.Warn("reconnecting upstream", "attempt", retries, "delay", delay)

		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) stream(conn uuid.UUID, url string) (bool, error) {
	ctx, cancel := context.WithCancelCause(c.ctx)
	defer cancel(nil)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("mjpeg: create request: %w", err)
	}
	req.Header.Set("Accept", "multipart/x-mixed-replace")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("mjpeg: connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("mjpeg: bad status: %s", resp.Status)
	}

	boundary, err := Boundary(resp.Header.Get("Content-Type"))
	if err != nil {
		return false, err
	}

	c.emit(Event{Conn: conn, Kind: EventOpen})

	// the watchdog tears the request down when the camera stalls mid-stream
	var watchdog *time.Timer
	if c.config.FrameTimeout > 0 {
		watchdog = time.AfterFunc(c.config.FrameTimeout, func() { cancel(ErrFrameTimeout) })
		defer watchdog.Stop()
	}

	err = c.readParts(conn, bufio.NewReader(resp.Body), boundary, watchdog)
	if err != nil && errors.Is(context.Cause(ctx), ErrFrameTimeout) {
		return true, fmt.Errorf("%w: nothing received for %s", ErrFrameTimeout, c.config.FrameTimeout)
	}

	return true, err
}

// readParts emits every part of a multipart/x-mixed-replace body as soon as
// its last byte arrives. Parts are sized by their Content-Length header;
// parts without one end at the JPEG end-of-image marker.
func (c *Client) readParts(conn uuid.UUID, body *bufio.Reader, boundary string, watchdog *time.Timer) error {
	headers := textproto.NewReader(body)

	for {
		closing, err := nextBoundary(body, boundary)
		if closing || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("mjpeg: read boundary: %w", err)
		}

		header, err := headers.ReadMIMEHeader()
		if err != nil {
			return fmt.Errorf("mjpeg: read part header: %w", err)
		}

		var data []byte
		if length := header.Get("Content-Length"); length != "" {
			data, err = c.readSized(body, length)
		} else {
			data, err = c.readUntilEOI(body)
		}
		if err != nil {
			return err
		}

		if len(data) == 0 {
			continue
		}

		// a full event queue is not the camera's fault
		if watchdog != nil {
			watchdog.Stop()
		}

		if !c.emit(Event{Conn: conn, Kind: EventFrame, Data: data}) {
			return ErrClientClosed
		}

		if watchdog != nil {
			watchdog.Reset(c.config.FrameTimeout)
		}
	}
}

func (c *Client) readSized(body *bufio.Reader, length string) ([]byte, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(length), 10, 64)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("mjpeg: invalid content-length %q", length)
	}

	if n > c.config.MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes announced, limit %d", ErrFrameTooLarge, n, c.config.MaxFrameSize)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(body, data); err != nil {
		return nil, fmt.Errorf("mjpeg: read frame: %w", err)
	}

	return data, nil
}

func (c *Client) readUntilEOI(body *bufio.Reader) ([]byte, error) {
	var data []byte

	for {
		chunk, err := body.ReadSlice(0xD9)
		if int64(len(data)+len(chunk)) > c.config.MaxFrameSize {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrFrameTooLarge, c.config.MaxFrameSize)
		}
		data = append(data, chunk...)

		if err == nil && len(data) >= 2 && data[len(data)-2] == 0xFF {
			return data, nil
		}

		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			return nil, fmt.Errorf("mjpeg: read frame: %w", err)
		}
	}
}

// nextBoundary skips to the line after the next delimiter. closing is true for
// the final "--boundary--" delimiter. Cameras differ on the leading dashes, so
// they are optional.
func nextBoundary(body *bufio.Reader, boundary string) (closing bool, err error) {
	long := false

	for {
		line, err := body.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			long = true
			continue
		}

		// tail of a line longer than the buffer
		if long {
			long = false
			if err != nil {
				return false, err
			}
			continue
		}

		name := strings.TrimPrefix(string(bytes.TrimSpace(line)), "--")
		if name == boundary+"--" {
			return true, nil
		}

		if err != nil {
			return false, err
		}

		if name == boundary {
			return false, nil
		}
	}
}

func (c *Client) emit(event Event) bool {
	select {
	case c.events <- event:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// Boundary extracts the multipart boundary from an upstream Content-Type.
// Cameras commonly repeat the leading dashes in the parameter; they are
// stripped.
func Boundary(contentType string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotMultipart, err)
	}

	if mediaType != "multipart/x-mixed-replace" {
		return "", fmt.Errorf("%w: got %q", ErrNotMultipart, mediaType)
	}

	boundary := strings.TrimPrefix(params["boundary"], "--")
	if boundary == "" {
		return "", fmt.Errorf("%w: missing boundary", ErrNotMultipart)
	}

	return boundary, nil
}

// backoff is retryDelay * 2^(attempt-1), capped at maxDelay.
func backoff(attempt int, retryDelay, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	if attempt > 31 {
		return maxDelay
	}

	delay := retryDelay * time.Duration(1<<uint(attempt-1))
	if delay > maxDelay || delay <= 0 {
		return maxDelay
	}

	return delay
}
