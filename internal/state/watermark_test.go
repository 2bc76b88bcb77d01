package state

import (
	"encoding/json"
	"testing"
)

func TestWatermarkAdvance(t *testing.T) {
	w := NewWatermarks()

	if _, ok := w.Get(100); ok {
		t.Error("Get() on empty table should report no watermark")
	}

	if !w.Advance(100, 50) {
		t.Error("Advance(100, 50) on empty entry should report a change")
	}
	if uid, ok := w.Get(100); !ok || uid != 50 {
		t.Errorf("Get(100) = %d, %v; want 50, true", uid, ok)
	}
}

func TestWatermarkNeverDecreases(t *testing.T) {
	w := NewWatermarks()
	w.Advance(100, 50)

	if w.Advance(100, 30) {
		t.Error("Advance(100, 30) below current watermark should be ignored")
	}
	if w.Advance(100, 50) {
		t.Error("Advance(100, 50) at current watermark should report no change")
	}
	if uid, _ := w.Get(100); uid != 50 {
		t.Errorf("watermark = %d, want 50 after lower advances", uid)
	}

	if !w.Advance(100, 51) {
		t.Error("Advance(100, 51) above current watermark should report a change")
	}
	if uid, _ := w.Get(100); uid != 51 {
		t.Errorf("watermark = %d, want 51", uid)
	}
}

func TestWatermarkEpochsAreIndependent(t *testing.T) {
	w := NewWatermarks()
	w.Advance(100, 50)
	w.Advance(200, 7)

	if uid, _ := w.Get(100); uid != 50 {
		t.Errorf("epoch 100 watermark = %d, want 50", uid)
	}
	if uid, _ := w.Get(200); uid != 7 {
		t.Errorf("epoch 200 watermark = %d, want 7", uid)
	}
}

func TestWatermarkJSONStringKeys(t *testing.T) {
	w := NewWatermarks()
	w.Advance(1234567, 42)

	data, err := json.Marshal(w)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	if string(data) != `{"1234567":42}` {
		t.Errorf("Marshal() = %s, want string-keyed object", data)
	}

	decoded := NewWatermarks()
	if err := json.Unmarshal(data, decoded); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if uid, ok := decoded.Get(1234567); !ok || uid != 42 {
		t.Errorf("decoded Get(1234567) = %d, %v; want 42, true", uid, ok)
	}
}

func TestWatermarkJSONRejectsBadKeys(t *testing.T) {
	decoded := NewWatermarks()
	if err := json.Unmarshal([]byte(`{"not-a-number":1}`), decoded); err == nil {
		t.Error("Unmarshal() should reject non-numeric epoch keys")
	}
}

func TestLoadWatermarksEmpty(t *testing.T) {
	s := testStore(t)

	w, err := LoadWatermarks(s)
	if err != nil {
		t.Fatalf("LoadWatermarks() error: %v", err)
	}
	if w.Len() != 0 {
		t.Errorf("Len() = %d, want 0 for fresh store", w.Len())
	}
}

func TestCommitAndReload(t *testing.T) {
	s := testStore(t)

	w := NewWatermarks()
	w.Advance(100, 50)
	d := NewDedup(10)
	d.Add("<msg-1@example.com>")

	if err := Commit(s, w, d); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	w2, err := LoadWatermarks(s)
	if err != nil {
		t.Fatalf("LoadWatermarks() error: %v", err)
	}
	if uid, ok := w2.Get(100); !ok || uid != 50 {
		t.Errorf("reloaded Get(100) = %d, %v; want 50, true", uid, ok)
	}

	d2, err := LoadDedup(s, 10)
	if err != nil {
		t.Fatalf("LoadDedup() error: %v", err)
	}
	if !d2.Contains("<msg-1@example.com>") {
		t.Error("reloaded dedup should contain the committed ID")
	}
}
