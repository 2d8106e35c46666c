package whiteboard

import (
	"cmp"
	"slices"
	"strings"
)

// Normalize returns events in deterministic log order.
//
// Batches without any seq are returned unchanged. Otherwise events sort by seq
// ascending with unsequenced events last, ties broken by client timestamp,
// stroke id and finally start < move < end. The input slice is not modified.
func Normalize(events []PersistedEvent) []PersistedEvent {
	if !slices.ContainsFunc(events, func(event PersistedEvent) bool { return event.Seq > 0 }) {
		return events
	}
	ordered := slices.Clone(events)
	slices.SortStableFunc(ordered, compareEvents)
	return ordered
}

func compareEvents(left, right PersistedEvent) int {
	leftSequenced, rightSequenced := left.Seq > 0, right.Seq > 0
	switch {
	case leftSequenced && !rightSequenced:
		return -1
	case !leftSequenced && rightSequenced:
		return 1
	case leftSequenced && rightSequenced:
		if order := cmp.Compare(left.Seq, right.Seq); order != 0 {
			return order
		}
	}
	if order := cmp.Compare(left.Timestamp, right.Timestamp); order != 0 {
		return order
	}
	if order := strings.Compare(left.StrokeID.String(), right.StrokeID.String()); order != 0 {
		return order
	}
	return cmp.Compare(left.Type.rank(), right.Type.rank())
}
