package https

import (
	"encoding/json"
	"net"
	"strings"
	"sync"
	"time"
)

type ServerState string

const (
	ServerDown ServerState = "SERVER_OFFLINE"
	ServerUp   ServerState = "SERVER_ONLINE"
)

func isLoopBack(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return strings.ToLower(host) == "localhost"
	}

	return ip.IsLoopback()
}

// BufferedErrors keeps the maxSize most recent error messages.
type BufferedErrors struct {
	maxSize int
	errors  []string
	mux     sync.RWMutex
}

func NewBufferedErrors(maxSize int) *BufferedErrors {
	if maxSize <= 0 {
		maxSize = 1
	}

	return &BufferedErrors{
		maxSize: maxSize,
		errors:  make([]string, 0, maxSize),
	}
}

func (be *BufferedErrors) Add(err string) {
	be.mux.Lock()
	defer be.mux.Unlock()

	if len(be.errors) >= be.maxSize {
		be.errors = be.errors[1:]
	}

	be.errors = append(be.errors, err)
}

func (be *BufferedErrors) Len() int {
	be.mux.RLock()
	defer be.mux.RUnlock()

	return len(be.errors)
}

func (be *BufferedErrors) MarshalJSON() ([]byte, error) {
	be.mux.RLock()
	defer be.mux.RUnlock()

	return json.Marshal(be.errors)
}

type health struct {
	State        ServerState     `json:"state"`
	Since        time.Time       `json:"since"`
	RecentErrors *BufferedErrors `json:"recent_errors"`
	mux          sync.RWMutex
}

func (h *health) SetState(state ServerState) {
	h.mux.Lock()
	defer h.mux.Unlock()

	if h.State != state {
		h.Since = time.Now()
	}
	h.State = state
}

func (h *health) GetState() ServerState {
	h.mux.RLock()
	defer h.mux.RUnlock()

	return h.State
}

func (h *health) Marshal() ([]byte, error) {
	h.mux.RLock()
	defer h.mux.RUnlock()

	return json.Marshal(h)
}

func (h *health) AddError(err string) {
	h.mux.Lock()
	defer h.mux.Unlock()

	if h.RecentErrors != nil {
		h.RecentErrors.Add(err)
	}
}
