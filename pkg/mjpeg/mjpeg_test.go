package mjpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameServer(t *testing.T, frames ...[]byte) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writer := NewWriter(w)
		w.Header().Set("Content-Type", writer.ContentType())
		w.WriteHeader(http.StatusOK)

		for _, frame := range frames {
			if err := writer.WriteFrame(frame); err != nil {
				return
			}
		}
		fmt.Fprintf(w, "--%s--\r\n", DefaultBoundary)
	}))
	t.Cleanup(server.Close)

	return server
}

// idleServer writes frames and then keeps the response open without
// sending anything else until the test ends.
func idleServer(t *testing.T, frames ...[]byte) *httptest.Server {
	t.Helper()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writer := NewWriter(w)
		w.Header().Set("Content-Type", writer.ContentType())
		w.WriteHeader(http.StatusOK)

		for _, frame := range frames {
			if err := writer.WriteFrame(frame); err != nil {
				return
			}
		}

		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	return server
}

func nextEvent(t *testing.T, client *Client) Event {
	t.Helper()

	select {
	case event := <-client.Events():
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for upstream event")
		return Event{}
	}
}

func newTestClient(t *testing.T, config ClientConfig) *Client {
	t.Helper()

	client := NewClient(context.Background(), config, nil)
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestBoundary(t *testing.T) {
	tests := []struct {
		contentType string
		want        string
		ok          bool
	}{
		{"multipart/x-mixed-replace; boundary=myboundary", "myboundary", true},
		{"multipart/x-mixed-replace;boundary=--myboundary", "myboundary", true},
		{`multipart/x-mixed-replace; boundary="frame"`, "frame", true},
		{"image/jpeg", "", false},
		{"multipart/x-mixed-replace", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, err := Boundary(tt.contentType)
		if !tt.ok {
			assert.ErrorIs(t, err, ErrNotMultipart, tt.contentType)
			continue
		}
		require.NoError(t, err, tt.contentType)
		assert.Equal(t, tt.want, got)
	}
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, backoff(1, time.Second, 30*time.Second))
	assert.Equal(t, 2*time.Second, backoff(2, time.Second, 30*time.Second))
	assert.Equal(t, 16*time.Second, backoff(5, time.Second, 30*time.Second))
	assert.Equal(t, 30*time.Second, backoff(6, time.Second, 30*time.Second))
	assert.Equal(t, 30*time.Second, backoff(64, time.Second, 30*time.Second))
	assert.Equal(t, time.Second, backoff(0, time.Second, 30*time.Second))
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "open", EventOpen.String())
	assert.Equal(t, "frame", EventFrame.String())
	assert.Equal(t, "close", EventClose.String())
	assert.Equal(t, "error", EventError.String())
	assert.Equal(t, "unknown", EventKind(42).String())
}

func TestWriterFormat(t *testing.T) {
	var buf bytes.Buffer
	writer := NewWriter(&buf)

	require.NoError(t, writer.WriteFrame([]byte("jpeg")))
	assert.Equal(t, "--camitoframe\r\nContent-Type: image/jpeg\r\nContent-Length: 4\r\n\r\njpeg\r\n", buf.String())
	assert.Equal(t, "multipart/x-mixed-replace; boundary=camitoframe", writer.ContentType())
}

func TestClientReceivesFrames(t *testing.T) {
	server := frameServer(t, []byte("\xFF\xD8one"), []byte("\xFF\xD8two"), []byte("\xFF\xD8three"))
	client := newTestClient(t, ClientConfig{})

	conn := client.Get(server.URL)
	assert.NotEqual(t, uuid.Nil, conn)

	open := nextEvent(t, client)
	assert.Equal(t, EventOpen, open.Kind)
	assert.Equal(t, conn, open.Conn)

	for _, want := range []string{"\xFF\xD8one", "\xFF\xD8two", "\xFF\xD8three"} {
		event := nextEvent(t, client)
		require.Equal(t, EventFrame, event.Kind)
		assert.Equal(t, conn, event.Conn)
		assert.Equal(t, []byte(want), event.Data)
	}

	closed := nextEvent(t, client)
	assert.Equal(t, EventClose, closed.Kind)
	assert.Equal(t, conn, closed.Conn)
}

func TestClientRejectsNonMultipart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("hello"))
	}))
	t.Cleanup(server.Close)

	client := newTestClient(t, ClientConfig{})
	conn := client.Get(server.URL)

	event := nextEvent(t, client)
	assert.Equal(t, EventError, event.Kind)
	assert.Equal(t, conn, event.Conn)
	assert.ErrorIs(t, event.Err, ErrNotMultipart)
}

func TestClientBadStatus(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(server.Close)

	client := newTestClient(t, ClientConfig{})
	client.Get(server.URL)

	event := nextEvent(t, client)
	assert.Equal(t, EventError, event.Kind)
	assert.Contains(t, event.Err.Error(), "404")
}

func TestClientFrameTooLarge(t *testing.T) {
	server := frameServer(t, bytes.Repeat([]byte{0xAB}, 64))
	client := newTestClient(t, ClientConfig{MaxFrameSize: 16})
	client.Get(server.URL)

	assert.Equal(t, EventOpen, nextEvent(t, client).Kind)

	event := nextEvent(t, client)
	assert.Equal(t, EventError, event.Kind)
	assert.ErrorIs(t, event.Err, ErrFrameTooLarge)
}

func TestClientReconnects(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writer := NewWriter(w)
		w.Header().Set("Content-Type", writer.ContentType())
		_ = writer.WriteFrame([]byte("frame"))
	}))
	t.Cleanup(server.Close)

	client := newTestClient(t, ClientConfig{Reconnect: true, RetryDelay: 10 * time.Millisecond, MaxRetryDelay: 20 * time.Millisecond})
	conn := client.Get(server.URL)

	opens := 0
	for opens < 2 {
		event := nextEvent(t, client)
		assert.Equal(t, conn, event.Conn, "reconnects keep the connection identity")
		if event.Kind == EventOpen {
			opens++
		}
	}

	assert.GreaterOrEqual(t, hits.Load(), int32(2))
}

func TestClientCloseIsIdempotent(t *testing.T) {
	blocked := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writer := NewWriter(w)
		w.Header().Set("Content-Type", writer.ContentType())
		_ = writer.WriteFrame([]byte("frame"))
		select {
		case <-r.Context().Done():
		case <-blocked:
		}
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(blocked) })

	client := NewClient(context.Background(), ClientConfig{Reconnect: true}, nil)
	client.Get(server.URL)
	assert.Equal(t, EventOpen, nextEvent(t, client).Kind)

	done := make(chan struct{})
	go func() {
		assert.NoError(t, client.Close())
		assert.NoError(t, client.Close())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
}

func TestClientDeliversFramesBeforeNextBoundary(t *testing.T) {
	server := idleServer(t, []byte("\xFF\xD8first\xFF\xD9"), []byte("\xFF\xD8second\xFF\xD9"))
	client := newTestClient(t, ClientConfig{FrameTimeout: -1})
	client.Get(server.URL)

	assert.Equal(t, EventOpen, nextEvent(t, client).Kind)

	for _, want := range []string{"\xFF\xD8first\xFF\xD9", "\xFF\xD8second\xFF\xD9"} {
		event := nextEvent(t, client)
		require.Equal(t, EventFrame, event.Kind)
		assert.Equal(t, []byte(want), event.Data)
	}
}

func TestClientPartsWithoutContentLength(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=--cam")
		w.WriteHeader(http.StatusOK)

		fmt.Fprint(w, "preamble\r\n")
		fmt.Fprint(w, "--cam\r\nContent-Type: image/jpeg\r\n\r\n\xFF\xD8a\xFF\x00b\xFF\xD9\r\n")
		fmt.Fprint(w, "--cam\r\nContent-Type: image/jpeg\r\n\r\n\xFF\xD8cd\xFF\xD9\r\n")
		fmt.Fprint(w, "--cam--\r\n")
	}))
	t.Cleanup(server.Close)

	client := newTestClient(t, ClientConfig{})
	client.Get(server.URL)

	assert.Equal(t, EventOpen, nextEvent(t, client).Kind)

	first := nextEvent(t, client)
	require.Equal(t, EventFrame, first.Kind)
	assert.Equal(t, []byte("\xFF\xD8a\xFF\x00b\xFF\xD9"), first.Data)

	second := nextEvent(t, client)
	require.Equal(t, EventFrame, second.Kind)
	assert.Equal(t, []byte("\xFF\xD8cd\xFF\xD9"), second.Data)

	assert.Equal(t, EventClose, nextEvent(t, client).Kind)
}

func TestClientUnsizedFrameTooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=cam")
		w.WriteHeader(http.StatusOK)

		fmt.Fprint(w, "--cam\r\n\r\n\xFF\xD8")
		_, _ = w.Write(bytes.Repeat([]byte{0xAB}, 64))
		fmt.Fprint(w, "\xFF\xD9\r\n--cam--\r\n")
	}))
	t.Cleanup(server.Close)

	client := newTestClient(t, ClientConfig{MaxFrameSize: 16})
	client.Get(server.URL)

	assert.Equal(t, EventOpen, nextEvent(t, client).Kind)

	event := nextEvent(t, client)
	assert.Equal(t, EventError, event.Kind)
	assert.ErrorIs(t, event.Err, ErrFrameTooLarge)
}

func TestClientFrameTimeout(t *testing.T) {
	server := idleServer(t, []byte("\xFF\xD8only\xFF\xD9"))
	client := newTestClient(t, ClientConfig{FrameTimeout: 100 * time.Millisecond})
	conn := client.Get(server.URL)

	assert.Equal(t, EventOpen, nextEvent(t, client).Kind)
	assert.Equal(t, EventFrame, nextEvent(t, client).Kind)

	event := nextEvent(t, client)
	assert.Equal(t, EventError, event.Kind)
	assert.Equal(t, conn, event.Conn)
	assert.ErrorIs(t, event.Err, ErrFrameTimeout)
}

func TestClientConfigJSON(t *testing.T) {
	config := ClientConfig{Reconnect: true}
	require.NoError(t, json.Unmarshal([]byte(`{
		"connect_timeout": "3s",
		"frame_timeout": "1500ms",
		"retry_delay": 2000000000,
		"max_retry_delay": "1m",
		"max_frame_size": 1024
	}`), &config))

	assert.Equal(t, 3*time.Second, config.ConnectTimeout)
	assert.Equal(t, 1500*time.Millisecond, config.FrameTimeout)
	assert.Equal(t, 2*time.Second, config.RetryDelay)
	assert.Equal(t, time.Minute, config.MaxRetryDelay)
	assert.Equal(t, int64(1024), config.MaxFrameSize)
	assert.True(t, config.Reconnect, "fields missing from the document are kept")

	assert.Error(t, json.Unmarshal([]byte(`{"retry_delay": "often"}`), &config))
}

func TestClientConfigDefaults(t *testing.T) {
	config := ClientConfig{FrameTimeout: -1}
	config.SetDefaults()

	assert.Equal(t, time.Duration(-1), config.FrameTimeout, "negative disables the frame timeout")
	assert.Equal(t, 10*time.Second, DefaultClientConfig().FrameTimeout)
}
