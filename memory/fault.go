package memory

import (
	"errors"
	"sync/atomic"
)

// ErrInjectedFailure is returned by Alloc when a fault injector vetoes it
var ErrInjectedFailure = errors.New("injected allocation failure")

// FaultInjector decides whether the seq-th allocation (1-based, counted per
// context) of the given kind should fail
type FaultInjector func(kind Kind, seq uint64) bool

// FailNth fails exactly the n-th allocation
func FailNth(n uint64) FaultInjector {
	return func(_ Kind, seq uint64) bool {
		return seq == n
	}
}

// FailKind fails every allocation of kind
func FailKind(kind Kind) FaultInjector {
	return func(k Kind, _ uint64) bool {
		return k == kind
	}
}

// FailNthOfKind fails the n-th allocation of kind, counting only that kind
func FailNthOfKind(kind Kind, n uint64) FaultInjector {
	var seen atomic.Uint64
	return func(k Kind, _ uint64) bool {
		if k != kind {
			return false
		}
		return seen.Add(1) == n
	}
}
