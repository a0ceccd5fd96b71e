package model

import (
	"fmt"
	"sort"
	"strings"
)

// ItemID identifies one numbered unit of work. Its payload lives under a directory named by Label.
type ItemID int

// Label formats id zero-padded to width digits ("007").
func (id ItemID) Label(width int) string {
	if width <= 0 {
		return fmt.Sprintf("%d", int(id))
	}
	return fmt.Sprintf("%0*d", width, int(id))
}

// OutcomeKind tags the result of a push or operation step.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetry
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result returned by Operation and push steps.
// Retry consumes one retry and requests a device restart; Fatal skips the item immediately.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

func Success() Outcome            { return Outcome{Kind: OutcomeSuccess} }
func Retry(reason string) Outcome { return Outcome{Kind: OutcomeRetry, Reason: reason} }
func Fatal(reason string) Outcome { return Outcome{Kind: OutcomeFatal, Reason: reason} }
func (o Outcome) OK() bool        { return o.Kind == OutcomeSuccess }
func (o Outcome) String() string {
	if o.Reason == "" {
		return o.Kind.String()
	}
	return o.Kind.String() + "(" + o.Reason + ")"
}

// FormatRanges renders ids as compact contiguous ranges: [1 2 3 5] -> "001-003,005".
func FormatRanges(ids []ItemID, width int) string {
	if len(ids) == 0 {
		return "-"
	}
	sorted := append([]ItemID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var parts []string
	start, prev := sorted[0], sorted[0]
	flush := func() {
		if start == prev {
			parts = append(parts, start.Label(width))
		} else {
			parts = append(parts, start.Label(width)+"-"+prev.Label(width))
		}
	}
	for _, id := range sorted[1:] {
		if id == prev {
			continue
		}
		if id == prev+1 {
			prev = id
			continue
		}
		flush()
		start, prev = id, id
	}
	flush()
	return strings.Join(parts, ",")
}
