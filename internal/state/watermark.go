package state

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Watermarks maps a folder epoch (IMAP UIDVALIDITY) to the highest
// message UID already observed for that epoch. UIDs are only comparable
// within one epoch, so a changed UIDVALIDITY naturally orphans the old
// entry and the folder is treated as unvisited. Updates are monotonic:
// a watermark never decreases.
type Watermarks struct {
	marks map[uint32]uint32
}

// NewWatermarks returns an empty watermark table.
func NewWatermarks() *Watermarks {
	return &Watermarks{marks: make(map[uint32]uint32)}
}

// Get returns the watermark for an epoch and whether one exists.
func (w *Watermarks) Get(epoch uint32) (uint32, bool) {
	uid, ok := w.marks[epoch]
	return uid, ok
}

// Advance raises the watermark for an epoch to uid. Values lower than
// the current watermark are ignored. Reports whether the stored value
// changed.
func (w *Watermarks) Advance(epoch, uid uint32) bool {
	current, ok := w.marks[epoch]
	if ok && uid <= current {
		return false
	}
	w.marks[epoch] = uid
	return true
}

// Len returns the number of tracked epochs.
func (w *Watermarks) Len() int {
	return len(w.marks)
}

// MarshalJSON encodes the table as a JSON object with string keys
// ({"1234567": 42}), matching the shape of the persisted slot.
func (w *Watermarks) MarshalJSON() ([]byte, error) {
	out := make(map[string]uint32, len(w.marks))
	for epoch, uid := range w.marks {
		out[strconv.FormatUint(uint64(epoch), 10)] = uid
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the persisted JSON object, converting string
// keys back to epoch numbers. Keys that do not parse as uint32 are
// rejected rather than silently dropped.
func (w *Watermarks) UnmarshalJSON(data []byte) error {
	var raw map[string]uint32
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	w.marks = make(map[uint32]uint32, len(raw))
	for key, uid := range raw {
		epoch, err := strconv.ParseUint(key, 10, 32)
		if err != nil {
			return fmt.Errorf("watermark epoch %q: %w", key, err)
		}
		w.marks[uint32(epoch)] = uid
	}
	return nil
}

// LoadWatermarks reads the lastseen slot from the store. A missing slot
// yields an empty table.
func LoadWatermarks(s *Store) (*Watermarks, error) {
	raw, err := s.Get(Namespace, SlotLastSeen)
	if err != nil {
		return nil, err
	}
	w := NewWatermarks()
	if raw == "" {
		return w, nil
	}
	if err := json.Unmarshal([]byte(raw), w); err != nil {
		return nil, fmt.Errorf("decode %s: %w", SlotLastSeen, err)
	}
	return w, nil
}

// Commit persists the watermark table and dedup list together in one
// transaction. This is the single state write of a successful run.
func Commit(s *Store, w *Watermarks, d *Dedup) error {
	marksJSON, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode %s: %w", SlotLastSeen, err)
	}
	dedupJSON, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode %s: %w", SlotNotified, err)
	}
	return s.SetAll(Namespace, map[string]string{
		SlotLastSeen: string(marksJSON),
		SlotNotified: string(dedupJSON),
	})
}
