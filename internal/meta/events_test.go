package meta

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/phys-data/consolidate/internal/rec"
)

func ttl(spans ...[2]int) []int64 {
	n := 0
	for _, s := range spans {
		if s[1] > n {
			n = s[1]
		}
	}
	sig := make([]int64, n+5)
	for _, s := range spans {
		for i := s[0]; i < s[1]; i++ {
			sig[i] = 100
		}
	}
	return sig
}

func TestParseEventKind(t *testing.T) {
	for _, name := range []string{"edge_pairs", "rising_edges", "falling_edges"} {
		if _, err := ParseEventKind(name); err != nil {
			t.Errorf("Expected %q to parse, got %v", name, err)
		}
	}
	if _, err := ParseEventKind("lick_detector"); !errors.Is(err, rec.ErrUnknownEventProcessor) {
		t.Errorf("Expected ErrUnknownEventProcessor, got %v", err)
	}
}

func TestProcessEvents_EdgePairs(t *testing.T) {
	sig := ttl([2]int{5, 10}, [2]int{15, 20})
	events, err := ProcessEvents(EdgePairs, sig)
	if err != nil {
		t.Fatalf("ProcessEvents failed: %v", err)
	}
	want := []Event{
		{Onset: 5, Offset: sql.NullInt64{Int64: 10, Valid: true}},
		{Onset: 15, Offset: sql.NullInt64{Int64: 20, Valid: true}},
	}
	if len(events) != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), len(events))
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("Event %d: expected %+v, got %+v", i, want[i], events[i])
		}
	}
}

func TestProcessEvents_TrailingHigh(t *testing.T) {
	// Signal ends high, so the last pair has no offset.
	sig := []int64{0, 0, 0, 0, 0, 100, 100, 100, 100, 100}
	events, err := ProcessEvents(EdgePairs, sig)
	if err != nil {
		t.Fatalf("ProcessEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].Onset != 5 || events[0].Offset.Valid {
		t.Errorf("Expected onset 5 with null offset, got %+v", events[0])
	}
}

func TestProcessEvents_LeadingHigh(t *testing.T) {
	// Signal starts high; the opening plateau has no onset and is dropped.
	sig := []int64{100, 100, 100, 0, 0, 0, 100, 100, 100, 0, 0, 0, 0, 0, 0}
	events, err := ProcessEvents(EdgePairs, sig)
	if err != nil {
		t.Fatalf("ProcessEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].Onset != 6 || events[0].Offset.Int64 != 9 {
		t.Errorf("Expected pair (6, 9), got %+v", events[0])
	}
}

func TestProcessEvents_SingleEdgeKinds(t *testing.T) {
	sig := ttl([2]int{5, 10}, [2]int{15, 20})

	rising, err := ProcessEvents(RisingEdges, sig)
	if err != nil {
		t.Fatalf("ProcessEvents failed: %v", err)
	}
	if len(rising) != 2 || rising[0].Onset != 5 || rising[1].Onset != 15 {
		t.Errorf("Expected rising edges at 5 and 15, got %+v", rising)
	}
	if rising[0].Offset.Valid {
		t.Errorf("Expected no offset on a rising edge, got %+v", rising[0])
	}

	falling, err := ProcessEvents(FallingEdges, sig)
	if err != nil {
		t.Fatalf("ProcessEvents failed: %v", err)
	}
	if len(falling) != 2 || falling[0].Onset != 10 || falling[1].Onset != 20 {
		t.Errorf("Expected falling edges at 10 and 20, got %+v", falling)
	}
}

func TestProcessEvents_FlatSignal(t *testing.T) {
	events, err := ProcessEvents(EdgePairs, make([]int64, 50))
	if err != nil {
		t.Fatalf("ProcessEvents failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Expected no events on a flat signal, got %d", len(events))
	}
}

func TestProcessEvents_UnknownKind(t *testing.T) {
	if _, err := ProcessEvents(EventKind("bogus"), []int64{1, 2}); !errors.Is(err, rec.ErrUnknownEventProcessor) {
		t.Errorf("Expected ErrUnknownEventProcessor, got %v", err)
	}
}

func TestProcessEvents_Empty(t *testing.T) {
	events, err := ProcessEvents(EdgePairs, nil)
	if err != nil {
		t.Fatalf("ProcessEvents failed: %v", err)
	}
	if events != nil {
		t.Errorf("Expected no events for empty input, got %+v", events)
	}
}
