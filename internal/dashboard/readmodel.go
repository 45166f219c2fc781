package dashboard

import (
	"time"

	"crowdwatch/config"
	"crowdwatch/internal/history"
	"crowdwatch/internal/state"
)

const (
	statusAlert  = "Alert: Threshold exceeded"
	statusNormal = "Normal"
)

// StreamStatus describes the stream connection for /api/status.
type StreamStatus struct {
	ConnectionID string `json:"connection_id"`
	State        string `json:"state"`
	URL          string `json:"url"`
	Sessions     int    `json:"sessions"`
	LastError    string `json:"last_error,omitempty"`
}

// ReadModel is everything the dashboard reads. The server only ever takes
// snapshots from it.
type ReadModel struct {
	LocationID string
	Location   config.LocationConfig
	Latest     *state.Store
	History    *history.Buffer
	Status     func() StreamStatus
}

type latestView struct {
	LocationID string     `json:"location_id"`
	Label      string     `json:"label"`
	Position   [2]float64 `json:"position"`
	Count      int64      `json:"count"`
	Density    float64    `json:"density"`
	Timestamp  *time.Time `json:"timestamp"`
	Alert      bool       `json:"alert"`
	Status     string     `json:"status"`
	Version    uint64     `json:"version"`
}

func (m ReadModel) latest() latestView {
	view := latestView{
		LocationID: m.LocationID,
		Label:      m.Location.Label,
		Position:   [2]float64{m.Location.Latitude, m.Location.Longitude},
		Status:     statusNormal,
	}
	if m.Latest == nil {
		return view
	}

	snap := m.Latest.Snapshot()
	view.Version = snap.Version
	view.Alert = snap.Alert
	if snap.Alert {
		view.Status = statusAlert
	}
	if r := snap.Reading; r != nil {
		ts := r.Timestamp
		view.Count = r.Count
		view.Density = r.Density
		view.Timestamp = &ts
	}
	return view
}

func (m ReadModel) history() []history.Sample {
	if m.History == nil {
		return []history.Sample{}
	}
	return m.History.Snapshot()
}

func (m ReadModel) status() StreamStatus {
	if m.Status == nil {
		return StreamStatus{State: "disconnected"}
	}
	return m.Status()
}
