package state

import (
	"encoding/json"
	"fmt"
)

// DefaultDedupCapacity bounds the notified-ID list when no capacity is
// configured.
const DefaultDedupCapacity = 100

// Dedup is a bounded, insertion-ordered set of message IDs that have
// already been forwarded. It is a second duplicate filter independent of
// the UID watermark: the watermark catches re-scans of the same mailbox
// position, the dedup list catches the same message arriving again under
// a new UID (epoch reset, copies across folders, server-side redelivery).
// When the capacity is exceeded the oldest entries are evicted.
type Dedup struct {
	capacity int
	ids      []string
	index    map[string]struct{}
}

// NewDedup returns an empty dedup list with the given capacity. A
// non-positive capacity falls back to DefaultDedupCapacity.
func NewDedup(capacity int) *Dedup {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &Dedup{
		capacity: capacity,
		index:    make(map[string]struct{}),
	}
}

// Contains reports whether id has already been notified.
func (d *Dedup) Contains(id string) bool {
	_, ok := d.index[id]
	return ok
}

// Add records id as notified, evicting the oldest entries beyond
// capacity. Adding an id that is already present is a no-op; the list
// holds distinct IDs in first-insertion order.
func (d *Dedup) Add(id string) {
	if d.Contains(id) {
		return
	}
	d.ids = append(d.ids, id)
	d.index[id] = struct{}{}
	for len(d.ids) > d.capacity {
		evicted := d.ids[0]
		d.ids = d.ids[1:]
		delete(d.index, evicted)
	}
}

// Len returns the number of tracked IDs.
func (d *Dedup) Len() int {
	return len(d.ids)
}

// IDs returns the tracked IDs in insertion order. The returned slice is
// a copy.
func (d *Dedup) IDs() []string {
	out := make([]string, len(d.ids))
	copy(out, d.ids)
	return out
}

// MarshalJSON encodes the list as a JSON array in insertion order.
func (d *Dedup) MarshalJSON() ([]byte, error) {
	if d.ids == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(d.ids)
}

// UnmarshalJSON decodes a JSON array of IDs, keeping the newest entries
// if the stored list exceeds the configured capacity (e.g., after the
// capacity was lowered between runs).
func (d *Dedup) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if d.capacity <= 0 {
		d.capacity = DefaultDedupCapacity
	}
	if len(raw) > d.capacity {
		raw = raw[len(raw)-d.capacity:]
	}
	d.ids = raw
	d.index = make(map[string]struct{}, len(raw))
	for _, id := range raw {
		d.index[id] = struct{}{}
	}
	return nil
}

// LoadDedup reads the notified slot from the store. A missing slot
// yields an empty list with the given capacity.
func LoadDedup(s *Store, capacity int) (*Dedup, error) {
	raw, err := s.Get(Namespace, SlotNotified)
	if err != nil {
		return nil, err
	}
	d := NewDedup(capacity)
	if raw == "" {
		return d, nil
	}
	if err := json.Unmarshal([]byte(raw), d); err != nil {
		return nil, fmt.Errorf("decode %s: %w", SlotNotified, err)
	}
	return d, nil
}
