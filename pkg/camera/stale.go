package camera

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harshabose/camito/pkg/jsontime"
)

type StaleMode string

const (
	// StaleKeep serves the last frame of a disconnected camera indefinitely.
	StaleKeep StaleMode = "keep"
	// StaleDrop stops serving a camera as soon as its upstream disconnects.
	StaleDrop StaleMode = "drop"
	// StaleMaxAge serves a disconnected camera until MaxAge has passed since
	// its last frame.
	StaleMaxAge StaleMode = "max_age"
)

// StalePolicy decides whether frames of a disconnected camera are still
// served. Served stale frames are always flagged through Frame.Stale.
type StalePolicy struct {
	Mode   StaleMode     `json:"mode"`
	MaxAge time.Duration `json:"max_age"`
}

func (p *StalePolicy) SetDefaults() {
	if p.Mode == "" {
		p.Mode = StaleKeep
	}

	if p.Mode == StaleMaxAge && p.MaxAge <= 0 {
		p.MaxAge = 30 * time.Second
	}
}

func (p StalePolicy) Validate() error {
	switch p.Mode {
	case StaleKeep, StaleDrop, StaleMaxAge, "":
		return nil
	default:
		return fmt.Errorf("camera: unknown stale mode %q", p.Mode)
	}
}

func (p StalePolicy) servable(d *Descriptor, now time.Time) bool {
	switch p.Mode {
	case StaleDrop:
		return false
	case StaleMaxAge:
		return now.Sub(d.LastFrameAt) <= p.MaxAge
	default:
		return true
	}
}

// UnmarshalJSON accepts max_age either as a duration string ("30s") or as
// nanoseconds.
func (p *StalePolicy) UnmarshalJSON(data []byte) error {
	type plain StalePolicy
	aux := struct {
		*plain
		MaxAge jsontime.Duration `json:"max_age"`
	}{plain: (*plain)(p), MaxAge: jsontime.Duration(p.MaxAge)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("camera: stale policy: %w", err)
	}
	p.MaxAge = aux.MaxAge.Std()

	return nil
}
