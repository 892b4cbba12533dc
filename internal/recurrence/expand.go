package recurrence

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"
)

// DefaultMaxOccurrences bounds expansion when the caller does not supply a
// limit of its own.
const DefaultMaxOccurrences = 1000

// ErrTooBroad is returned when an expansion would produce more occurrences
// than the caller allows.
var ErrTooBroad = errors.New("recurrence expansion too broad")

// Occurrence is one concrete interval produced by expanding a series.
// Start and End carry the anchor's location so wall-clock times survive
// DST transitions.
type Occurrence struct {
	Start time.Time
	End   time.Time
}

// Exception overrides a single occurrence of a series. OriginalStart
// identifies the occurrence being overridden; it must match the expanded
// start exactly.
type Exception struct {
	OriginalStart time.Time
	Cancelled     bool
	Replacement   *Occurrence
}

// Continuation replaces the tail of a series from ForkStart onward. A nil
// Rule cancels the remainder; otherwise the continuation expands as its own
// series anchored at AnchorStart.
type Continuation struct {
	ForkStart   time.Time
	Rule        *Rule
	AnchorStart time.Time
	Duration    time.Duration
}

// Expand produces the occurrences of rule anchored at anchorStart that
// intersect [windowStart, windowEnd). The anchor's location drives wall-clock
// arithmetic: each occurrence keeps the anchor's local time of day even when
// a DST transition shifts the UTC offset. Occurrences are sorted ascending.
//
// maxOccurrences caps the number of occurrences inside the window; zero or
// negative selects DefaultMaxOccurrences. Exceeding the cap fails with
// ErrTooBroad.
func Expand(rule Rule, anchorStart time.Time, duration time.Duration, windowStart, windowEnd time.Time, maxOccurrences int) ([]Occurrence, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if duration < 0 {
		return nil, fmt.Errorf("%w: negative duration", ErrInvalidRule)
	}
	if !windowEnd.After(windowStart) {
		return nil, nil
	}
	if maxOccurrences <= 0 {
		maxOccurrences = DefaultMaxOccurrences
	}

	r, err := rrule.NewRRule(rule.options(anchorStart))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	occurrences := make([]Occurrence, 0)
	next := r.Iterator()
	for {
		start, ok := next()
		if !ok {
			break
		}
		if !start.Before(windowEnd) {
			break
		}
		occ := Occurrence{Start: start, End: start.Add(duration)}
		if !intersects(occ, windowStart, windowEnd) {
			continue
		}
		occurrences = append(occurrences, occ)
		if len(occurrences) > maxOccurrences {
			return nil, fmt.Errorf("%w: more than %d occurrences in window", ErrTooBroad, maxOccurrences)
		}
	}
	return occurrences, nil
}

// ApplyExceptions replaces or removes single occurrences. An exception whose
// OriginalStart matches no occurrence is ignored. The result is re-sorted.
func ApplyExceptions(occurrences []Occurrence, exceptions []Exception) []Occurrence {
	if len(exceptions) == 0 {
		return occurrences
	}

	result := make([]Occurrence, 0, len(occurrences))
	replaced := make([]Occurrence, 0, len(exceptions))
	for _, occ := range occurrences {
		overridden := false
		for _, ex := range exceptions {
			if !occ.Start.Equal(ex.OriginalStart) {
				continue
			}
			overridden = true
			if !ex.Cancelled && ex.Replacement != nil {
				replaced = append(replaced, *ex.Replacement)
			}
			break
		}
		if !overridden {
			result = append(result, occ)
		}
	}
	result = append(result, replaced...)
	sortOccurrences(result)
	return result
}

// ApplyContinuations applies a chain of tail modifications to an expanded
// series. Each continuation discards every accumulated occurrence starting at
// or after its fork point; a non-nil rule then contributes its own expansion
// over the same window. The chain is ordered parent first.
func ApplyContinuations(occurrences []Occurrence, chain []Continuation, windowStart, windowEnd time.Time, maxOccurrences int) ([]Occurrence, error) {
	result := occurrences
	for _, c := range chain {
		kept := result[:0:len(result)]
		for _, occ := range result {
			if occ.Start.Before(c.ForkStart) {
				kept = append(kept, occ)
			}
		}
		result = kept

		if c.Rule == nil {
			continue
		}
		expanded, err := Expand(*c.Rule, c.AnchorStart, c.Duration, windowStart, windowEnd, maxOccurrences)
		if err != nil {
			return nil, err
		}
		result = append(result, expanded...)
	}
	sortOccurrences(result)
	return result, nil
}

func intersects(occ Occurrence, windowStart, windowEnd time.Time) bool {
	if !occ.End.After(occ.Start) {
		// Zero-length occurrences count when they fall inside the window.
		return !occ.Start.Before(windowStart) && occ.Start.Before(windowEnd)
	}
	return occ.Start.Before(windowEnd) && occ.End.After(windowStart)
}

func sortOccurrences(occurrences []Occurrence) {
	sort.Slice(occurrences, func(i, j int) bool {
		if occurrences[i].Start.Equal(occurrences[j].Start) {
			return occurrences[i].End.Before(occurrences[j].End)
		}
		return occurrences[i].Start.Before(occurrences[j].Start)
	})
}
