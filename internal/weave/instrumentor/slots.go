package instrumentor

import (
	"fmt"

	"github.com/kolkov/probeweaver/internal/weave/typedesc"
)

// slotAllocator hands out local-variable slots for one method.
//
// Slots are allocated past the method's own locals and never reused, so a
// slot captured by one site (CALL arguments saved before the call) stays
// valid for a later site of the same instruction (the AFTER action).
//
// The allocator is frozen while original instructions are re-emitted and
// thawed only inside an injection site:
//
//	frozen --thaw--> open --freeze--> frozen
//
// newLocal while frozen fails with ErrSlotsFrozen; thawing an open
// allocator (a site nested in another site) fails with ErrSiteOpen.
//
// Thread Safety: NOT thread-safe (one allocator per traversed method).
type slotAllocator struct {
	next int
	open bool
}

func newSlotAllocator(firstFree int) *slotAllocator {
	return &slotAllocator{next: firstFree}
}

// thaw opens a site scope.
func (s *slotAllocator) thaw() error {
	if s.open {
		return ErrSiteOpen
	}
	s.open = true
	return nil
}

// freeze closes the current site scope.
func (s *slotAllocator) freeze() {
	s.open = false
}

// frozen reports whether original instructions may be emitted.
func (s *slotAllocator) frozen() bool {
	return !s.open
}

// newLocal reserves a slot for a value of type t.
func (s *slotAllocator) newLocal(t typedesc.Type) (int, error) {
	if !s.open {
		return -1, ErrSlotsFrozen
	}
	if t.Size() == 0 {
		return -1, fmt.Errorf("cannot allocate a local of type %s", t.Descriptor())
	}
	slot := s.next
	s.next += t.Size()
	return slot, nil
}

// maxLocals returns the number of slots the method needs with the
// allocated locals included.
func (s *slotAllocator) maxLocals(orig int) int {
	if s.next > orig {
		return s.next
	}
	return orig
}
