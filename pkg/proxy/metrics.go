package proxy

import (
	"encoding/json"
	"sync"
	"time"
)

type metrics struct {
	Uptime            time.Duration `json:"uptime"`
	FramesIn          uint64        `json:"frames_in"`
	FramesDropped     uint64        `json:"frames_dropped"`
	FramesServed      uint64        `json:"frames_served"`
	EmptyResponses    uint64        `json:"empty_responses"`
	TranscodeFailures uint64        `json:"transcode_failures"`
	TotalDataSent     int64         `json:"total_data_sent"`
	ActiveStreams     uint64        `json:"active_streams"`
	RejectedStreams   uint64        `json:"rejected_streams"`
	timeSinceUptime   time.Time
	mux               sync.RWMutex
}

func (m *metrics) activeStreams() uint64 {
	m.mux.RLock()
	defer m.mux.RUnlock()

	return m.ActiveStreams
}

// openStream admits one more long-lived viewer unless max is reached. A max
// below 1 admits everyone.
func (m *metrics) openStream(max int) bool {
	m.mux.Lock()
	defer m.mux.Unlock()

	if max > 0 && m.ActiveStreams >= uint64(max) {
		m.RejectedStreams++
		return false
	}

	m.ActiveStreams++
	return true
}

func (m *metrics) closeStream() {
	m.mux.Lock()
	defer m.mux.Unlock()

	m.ActiveStreams--
}

func (m *metrics) frameIn(accepted bool) {
	m.mux.Lock()
	defer m.mux.Unlock()

	if accepted {
		m.FramesIn++
	} else {
		m.FramesDropped++
	}
}

func (m *metrics) frameServed(len int) {
	m.mux.Lock()
	defer m.mux.Unlock()

	m.FramesServed++
	m.TotalDataSent = m.TotalDataSent + int64(len)
}

func (m *metrics) emptyResponse(transcodeFailed bool) {
	m.mux.Lock()
	defer m.mux.Unlock()

	m.EmptyResponses++
	if transcodeFailed {
		m.TranscodeFailures++
	}
}

func (m *metrics) resetUptime() {
	m.mux.Lock()
	defer m.mux.Unlock()

	m.timeSinceUptime = time.Now()
}

func (m *metrics) updateUptime() {
	m.mux.Lock()
	defer m.mux.Unlock()

	if m.timeSinceUptime.IsZero() {
		return
	}
	m.Uptime = time.Since(m.timeSinceUptime)
}

func (m *metrics) Marshal() ([]byte, error) {
	m.mux.RLock()
	defer m.mux.RUnlock()

	return json.Marshal(m)
}
