package core

import (
	"fmt"
)

// OffsetValidator tracks the next expected offset per bus partition.
// Not thread-safe: each partition is consumed by a single goroutine.
type OffsetValidator struct {
	expectedNext map[string]int64 // partition -> next expected offset
	gaps         map[string]int64
	redelivered  map[string]int64
}

func NewOffsetValidator() *OffsetValidator {
	return &OffsetValidator{
		expectedNext: make(map[string]int64),
		gaps:         make(map[string]int64),
		redelivered:  make(map[string]int64),
	}
}

// OffsetStatus classifies an incoming offset.
type OffsetStatus int

const (
	OffsetInOrder OffsetStatus = iota
	OffsetRedelivered
	OffsetGap
)

// Observe checks offset against the partition's expectation and advances it.
// A first observation for a partition is always in order. Redeliveries
// (offset below expectation) do not move the expectation back.
func (v *OffsetValidator) Observe(partition string, offset int64) (OffsetStatus, error) {
	expected, seen := v.expectedNext[partition]
	if !seen {
		v.expectedNext[partition] = offset + 1
		return OffsetInOrder, nil
	}

	switch {
	case offset < expected:
		v.redelivered[partition]++
		return OffsetRedelivered, nil
	case offset == expected:
		v.expectedNext[partition] = offset + 1
		return OffsetInOrder, nil
	default:
		v.gaps[partition]++
		v.expectedNext[partition] = offset + 1
		return OffsetGap, fmt.Errorf("offset gap: partition=%s, expected=%d, got=%d",
			partition, expected, offset)
	}
}

// Reset forgets a partition, e.g. after a consumer-group rebalance.
func (v *OffsetValidator) Reset(partition string) {
	delete(v.expectedNext, partition)
}

// SetExpected initializes the expectation (used after a rollback, so the
// redelivered batch is accepted again).
func (v *OffsetValidator) SetExpected(partition string, offset int64) {
	v.expectedNext[partition] = offset
}

func (v *OffsetValidator) Expected(partition string) int64 {
	return v.expectedNext[partition]
}

func (v *OffsetValidator) Gaps(partition string) int64 {
	return v.gaps[partition]
}

func (v *OffsetValidator) Redelivered(partition string) int64 {
	return v.redelivered[partition]
}
