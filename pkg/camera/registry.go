// Package camera is the directory of upstream cameras. It translates between
// camera name, source URL and upstream connection identity, and owns the frame
// ring of every camera.
//
// A Registry carries no locks: it must only be used from a single goroutine
// (the proxy dispatch loop).
package camera

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harshabose/camito/pkg/framebuffer"
)

var (
	ErrUnknownCamera = errors.New("camera: unknown camera")
	ErrNoFrameYet    = errors.New("camera: no frame received yet")
	ErrStale         = errors.New("camera: frame is stale")
	ErrDuplicate     = errors.New("camera: already registered")
	ErrInvalidName   = errors.New("camera: empty name")
)

type State string

const (
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateDisconnected State = "DISCONNECTED"
)

// Descriptor is the single source of truth for one camera. All registry
// indexes point at the same *Descriptor.
type Descriptor struct {
	Name   string
	URL    string
	Conn   uuid.UUID
	Buffer *framebuffer.Ring

	State          State
	LastFrameAt    time.Time
	DisconnectedAt time.Time
	LastError      error
}

// Frame is the result of a read: the latest frame, its sequence number in the
// camera ring and whether the upstream is currently gone.
type Frame struct {
	Data  []byte
	Seq   uint64
	Stale bool
}

type Status struct {
	Name           string    `json:"name"`
	URL            string    `json:"url"`
	State          State     `json:"state"`
	Frames         uint64    `json:"frames"`
	Buffered       int       `json:"buffered"`
	LastFrameAt    time.Time `json:"last_frame_at,omitzero"`
	DisconnectedAt time.Time `json:"disconnected_at,omitzero"`
	LastError      string    `json:"last_error,omitempty"`
}

type Registry struct {
	order  []string
	byName map[string]*Descriptor
	byURL  map[string]*Descriptor
	byConn map[uuid.UUID]*Descriptor

	capacity int
	policy   StalePolicy
	now      func() time.Time
}

func NewRegistry(capacity int, policy StalePolicy) *Registry {
	policy.SetDefaults()

	return &Registry{
		byName:   make(map[string]*Descriptor),
		byURL:    make(map[string]*Descriptor),
		byConn:   make(map[uuid.UUID]*Descriptor),
		capacity: capacity,
		policy:   policy,
		now:      time.Now,
	}
}

// Register adds a camera reachable by name, url and conn.
func (r *Registry) Register(name, url string, conn uuid.UUID) (*Descriptor, error) {
	if name == "" {
		return nil, ErrInvalidName
	}

	if _, exists := r.byName[name]; exists {
		return nil, fmt.Errorf("%w: name %q", ErrDuplicate, name)
	}

	if _, exists := r.byURL[url]; exists {
		return nil, fmt.Errorf("%w: url %q", ErrDuplicate, url)
	}

	if _, exists := r.byConn[conn]; exists {
		return nil, fmt.Errorf("%w: connection %s", ErrDuplicate, conn)
	}

	d := &Descriptor{
		Name:   name,
		URL:    url,
		Conn:   conn,
		Buffer: framebuffer.New(r.capacity),
		State:  StateConnecting,
	}

	r.order = append(r.order, name)
	r.byName[name] = d
	r.byURL[url] = d
	r.byConn[conn] = d

	return d, nil
}

// Rebind replaces the upstream connection identity of a camera, e.g. after the
// connection was re-established under a new handle.
func (r *Registry) Rebind(name string, conn uuid.UUID) error {
	d, exists := r.byName[name]
	if !exists {
		return fmt.Errorf("%w: %q", ErrUnknownCamera, name)
	}

	if other, exists := r.byConn[conn]; exists && other != d {
		return fmt.Errorf("%w: connection %s", ErrDuplicate, conn)
	}

	delete(r.byConn, d.Conn)
	d.Conn = conn
	d.State = StateConnecting
	r.byConn[conn] = d

	return nil
}

func (r *Registry) ResolveByConnection(conn uuid.UUID) (*Descriptor, bool) {
	d, ok := r.byConn[conn]
	return d, ok
}

func (r *Registry) ResolveByURL(url string) (*Descriptor, bool) {
	d, ok := r.byURL[url]
	return d, ok
}

func (r *Registry) ResolveByName(name string) (*framebuffer.Ring, bool) {
	d, ok := r.byName[name]
	if !ok {
		return nil, false
	}

	return d.Buffer, true
}

func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

func (r *Registry) OnOpen(conn uuid.UUID) {
	d, ok := r.byConn[conn]
	if !ok {
		return
	}

	d.State = StateConnected
	d.LastError = nil
}

// OnFrame stores data in the ring of the camera behind conn. Frames from
// unknown connections are dropped and OnFrame reports false.
func (r *Registry) OnFrame(conn uuid.UUID, data []byte) bool {
	d, ok := r.byConn[conn]
	if !ok {
		return false
	}

	d.Buffer.Put(data)
	d.LastFrameAt = r.now()
	d.State = StateConnected

	return true
}

// OnClose marks the camera disconnected. The buffered frames stay servable
// subject to the staleness policy.
func (r *Registry) OnClose(conn uuid.UUID) {
	r.disconnect(conn, nil)
}

func (r *Registry) OnError(conn uuid.UUID, err error) {
	r.disconnect(conn, err)
}

func (r *Registry) disconnect(conn uuid.UUID, err error) {
	d, ok := r.byConn[conn]
	if !ok {
		return
	}

	if d.State != StateDisconnected {
		d.DisconnectedAt = r.now()
	}
	d.State = StateDisconnected
	if err != nil {
		d.LastError = err
	}
}

// Latest returns the most recent frame of the named camera after applying the
// staleness policy.
func (r *Registry) Latest(name string) (Frame, error) {
	d, ok := r.byName[name]
	if !ok {
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownCamera, name)
	}

	data, ok := d.Buffer.Peek()
	if !ok {
		return Frame{}, fmt.Errorf("%w: %q", ErrNoFrameYet, name)
	}

	stale := d.State == StateDisconnected
	if stale && !r.policy.servable(d, r.now()) {
		return Frame{}, fmt.Errorf("%w: %q disconnected since %s", ErrStale, name, d.DisconnectedAt.Format(time.RFC3339))
	}

	return Frame{Data: data, Seq: d.Buffer.Written(), Stale: stale}, nil
}

// Default is the first registered camera, or "" for an empty registry.
func (r *Registry) Default() string {
	if len(r.order) == 0 {
		return ""
	}

	return r.order[0]
}

// Names lists cameras in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)

	return names
}

func (r *Registry) Statuses() []Status {
	statuses := make([]Status, 0, len(r.order))
	for _, name := range r.order {
		d := r.byName[name]

		s := Status{
			Name:           d.Name,
			URL:            d.URL,
			State:          d.State,
			Frames:         d.Buffer.Written(),
			Buffered:       d.Buffer.Len(),
			LastFrameAt:    d.LastFrameAt,
			DisconnectedAt: d.DisconnectedAt,
		}
		if d.LastError != nil {
			s.LastError = d.LastError.Error()
		}

		statuses = append(statuses, s)
	}

	return statuses
}

func (r *Registry) Len() int {
	return len(r.order)
}

// Reset forgets every camera and releases their buffers.
func (r *Registry) Reset() {
	for _, d := range r.byName {
		d.Buffer.Reset()
	}

	r.order = nil
	clear(r.byName)
	clear(r.byURL)
	clear(r.byConn)
}
