package store

import (
	"context"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTripWithTime(t *testing.T) {
	sent := time.Date(2026, 8, 29, 10, 31, 7, 123456000, time.UTC)
	value := map[string]interface{}{
		"to":   "alice",
		"id":   "q1",
		"sent": sent,
	}

	encoded, err := EncodeValue(value)
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := DecodeValue(encoded)
	if err != nil {
		t.Fatal(err)
	}
	m, ok := decoded.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map, got %T", decoded)
	}

	got, ok := m["sent"].(time.Time)
	if !ok {
		t.Fatalf("expected sent to decode as time.Time, got %T", m["sent"])
	}
	if got.Truncate(time.Second).Format(TimeLayout) != sent.Truncate(time.Second).Format(TimeLayout) {
		t.Fatalf("round trip mismatch: %v vs %v", got, sent)
	}
	if m["to"] != "alice" {
		t.Fatalf("string field mangled: %v", m["to"])
	}
}

func TestDecodeAlmostDateStaysString(t *testing.T) {
	// Strings that merely resemble a date must pass through unharmed.
	encoded, err := EncodeValue(map[string]interface{}{"note": "2026-08-29 but not a timestamp"})
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeValue(encoded)
	if err != nil {
		t.Fatal(err)
	}
	m := decoded.(map[string]interface{})
	if _, isString := m["note"].(string); !isString {
		t.Fatalf("expected note to stay a string, got %T", m["note"])
	}
}

func TestDecodeWholeSecondTimestamp(t *testing.T) {
	decoded, err := DecodeValue(`{"sent":"2026-08-29T10:31:07"}`)
	if err != nil {
		t.Fatal(err)
	}
	m := decoded.(map[string]interface{})
	if _, ok := m["sent"].(time.Time); !ok {
		t.Fatalf("expected whole-second timestamp to decode, got %T", m["sent"])
	}
}

func TestMemoryStoreHashOps(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.SetField(ctx, "alice", "q1", "one"); err != nil {
		t.Fatal(err)
	}
	if err := m.SetField(ctx, "alice", "q2", "two"); err != nil {
		t.Fatal(err)
	}

	all, err := m.GetAll(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all["q1"] != "one" {
		t.Fatalf("unexpected hash contents: %v", all)
	}

	if err := m.DeleteFields(ctx, "alice", "q1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := m.GetField(ctx, "alice", "q1"); ok {
		t.Fatal("q1 should be gone")
	}

	if err := m.FlushAll(ctx); err != nil {
		t.Fatal(err)
	}
	all, _ = m.GetAll(ctx, "alice")
	if len(all) != 0 {
		t.Fatalf("expected empty store after flush, got %v", all)
	}
}
