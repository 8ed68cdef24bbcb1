package instrumentor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kolkov/probeweaver/internal/weave/probe"
)

// Stats tracks what one instrumentation pass did.
//
// Use Case:
// Printed by "probeweaver instrument -v":
//
//	demo.Service: 3 actions injected (ENTRY=1 RETURN=2), 2/5 methods instrumented, 2 actions merged
//
// Thread Safety: NOT thread-safe (single-threaded instrumentation).
type Stats struct {
	Injected            map[probe.Kind]int // action calls emitted per kind
	MethodsVisited      int                // methods eligible for instrumentation
	MethodsInstrumented int                // methods with at least one injected call
	ActionsMerged       int                // action bodies copied into the unit
	TimestampHelper     bool               // timestamp accessor synthesized
}

func (s *Stats) inject(k probe.Kind) {
	if s.Injected == nil {
		s.Injected = make(map[probe.Kind]int)
	}
	s.Injected[k]++
}

// Total returns the number of injected action calls.
func (s *Stats) Total() int {
	n := 0
	for _, c := range s.Injected {
		n += c
	}
	return n
}

// String returns a one-line summary.
func (s *Stats) String() string {
	kinds := make([]probe.Kind, 0, len(s.Injected))
	for k := range s.Injected {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = fmt.Sprintf("%s=%d", k, s.Injected[k])
	}
	return fmt.Sprintf("%d actions injected (%s), %d/%d methods instrumented, %d actions merged",
		s.Total(), strings.Join(parts, " "), s.MethodsInstrumented, s.MethodsVisited, s.ActionsMerged)
}

// Add accumulates the counts of another pass.
func (s *Stats) Add(o Stats) {
	for k, n := range o.Injected {
		if s.Injected == nil {
			s.Injected = make(map[probe.Kind]int)
		}
		s.Injected[k] += n
	}
	s.MethodsVisited += o.MethodsVisited
	s.MethodsInstrumented += o.MethodsInstrumented
	s.ActionsMerged += o.ActionsMerged
	s.TimestampHelper = s.TimestampHelper || o.TimestampHelper
}
