package bridge

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// Snapshot is an immutable view of the latest value held by a Cell.
type Snapshot struct {
	Value     string
	Present   bool
	UpdatedAt time.Time
}

// wireSnapshot is the frame pushed to WebSocket clients.
// Data is nil until the first value has been received.
type wireSnapshot struct {
	Data *string `json:"data"`
}

// MarshalJSON encodes the snapshot as {"data": <string-or-null>}.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	frame := wireSnapshot{}
	if s.Present {
		value := s.Value
		frame.Data = &value
	}
	return json.Marshal(frame)
}

// Cell holds the most recently received value of the bridged topic.
//
// A Cell has a single writer (the pump) and any number of readers (one per
// WebSocket connection). Writes swap an immutable snapshot in with an atomic
// pointer store, so readers never block the writer and never see a torn value.
// The zero value is ready to use and reports no value.
type Cell struct {
	current atomic.Pointer[Snapshot]
	now     func() time.Time
}

// NewCell creates an empty Cell.
func NewCell() *Cell {
	return &Cell{}
}

// Set stores value and marks the cell as present, replacing any prior value.
func (c *Cell) Set(value string) {
	c.current.Store(&Snapshot{
		Value:     value,
		Present:   true,
		UpdatedAt: c.clock(),
	})
}

// Get returns the current value and whether any value has been stored yet.
func (c *Cell) Get() (string, bool) {
	s := c.current.Load()
	if s == nil {
		return "", false
	}
	return s.Value, s.Present
}

// Snapshot returns the current state of the cell.
func (c *Cell) Snapshot() Snapshot {
	if s := c.current.Load(); s != nil {
		return *s
	}
	return Snapshot{}
}

// UpdatedAt returns the time of the last Set, or the zero time if the cell is empty.
func (c *Cell) UpdatedAt() time.Time {
	return c.Snapshot().UpdatedAt
}

func (c *Cell) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}
