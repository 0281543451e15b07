package meta

import (
	"database/sql"
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/phys-data/consolidate/internal/rec"
)

// EventKind selects the routine that turns a raw event channel into a
// structured table. The set is closed so an unknown kind is rejected at
// configuration validation rather than mid-pipeline.
type EventKind string

const (
	// EdgePairs records each rising edge paired with the next falling
	// edge. A rising edge with no later falling edge gets a null offset.
	EdgePairs EventKind = "edge_pairs"
	// RisingEdges records low-to-high transition times only.
	RisingEdges EventKind = "rising_edges"
	// FallingEdges records high-to-low transition times only.
	FallingEdges EventKind = "falling_edges"
)

// ParseEventKind returns the EventKind named by s.
func ParseEventKind(s string) (EventKind, error) {
	switch k := EventKind(s); k {
	case EdgePairs, RisingEdges, FallingEdges:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", rec.ErrUnknownEventProcessor, s)
}

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	return k == EdgePairs || k == RisingEdges || k == FallingEdges
}

// Event is one row of a derived event table. Samples index the
// concatenated cross-run timeline. Offset is only set for paired kinds.
type Event struct {
	Onset  int64
	Offset sql.NullInt64
}

// ProcessEvents routes one event channel's concatenated samples through
// the kind's routine. Samples are classified against their mean; a
// transition time is the first sample on the new side.
func ProcessEvents(kind EventKind, sig []int64) ([]Event, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", rec.ErrUnknownEventProcessor, string(kind))
	}
	if len(sig) == 0 {
		return nil, nil
	}
	rising, falling := detectTransitions(sig)

	switch kind {
	case RisingEdges:
		events := make([]Event, len(rising))
		for i, on := range rising {
			events[i] = Event{Onset: on}
		}
		return events, nil
	case FallingEdges:
		events := make([]Event, len(falling))
		for i, off := range falling {
			events[i] = Event{Onset: off}
		}
		return events, nil
	}

	// EdgePairs. Classification is binary, so transitions alternate; a
	// leading falling edge has no onset and is dropped.
	events := make([]Event, 0, len(rising))
	fi := 0
	for _, on := range rising {
		for fi < len(falling) && falling[fi] <= on {
			fi++
		}
		ev := Event{Onset: on}
		if fi < len(falling) {
			ev.Offset = sql.NullInt64{Int64: falling[fi], Valid: true}
			fi++
		}
		events = append(events, ev)
	}
	return events, nil
}

func detectTransitions(sig []int64) (rising, falling []int64) {
	f := make([]float64, len(sig))
	for i, v := range sig {
		f[i] = float64(v)
	}
	mean := stat.Mean(f, nil)

	prev := f[0] > mean
	for i := 1; i < len(f); i++ {
		high := f[i] > mean
		if high && !prev {
			rising = append(rising, int64(i))
		} else if !high && prev {
			falling = append(falling, int64(i))
		}
		prev = high
	}
	return rising, falling
}
