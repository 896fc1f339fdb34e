package model

import (
	"errors"
	"testing"
)

func TestSegmentAdvanceIsMonotonic(t *testing.T) {
	seg := &ExecutionSegment{SequenceNo: 1, State: SegmentPending}

	if err := seg.Advance(SegmentSubmitted); err != nil {
		t.Fatalf("pending -> submitted: %v", err)
	}
	if err := seg.Advance(SegmentPending); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("submitted -> pending must fail, got %v", err)
	}
	if err := seg.Advance(SegmentPartiallyFilled); err != nil {
		t.Fatalf("submitted -> partially_filled: %v", err)
	}
	if err := seg.Advance(SegmentFilled); err != nil {
		t.Fatalf("partially_filled -> filled: %v", err)
	}
	if err := seg.Advance(SegmentFailed); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("terminal segments must not move, got %v", err)
	}
	if !seg.State.Terminal() {
		t.Error("filled should be terminal")
	}
}

func TestExecStateForwardOnly(t *testing.T) {
	s, err := NextExecState(ExecCreated, ExecSegmenting)
	if err != nil || s != ExecSegmenting {
		t.Fatalf("created -> segmenting: %v %v", s, err)
	}
	if _, err := NextExecState(ExecReconciling, ExecExecuting); err == nil {
		t.Fatal("reconciling -> executing must fail")
	}
	if _, err := NextExecState(ExecDone, ExecFailed); err == nil {
		t.Fatal("done is terminal")
	}
}

func TestDecisionOrderAbort(t *testing.T) {
	o := &DecisionOrder{Legs: []LegDelta{{Venue: "a", Delta: 0.5}, {Venue: "b", Delta: -0.7}}}
	if o.Aborted() {
		t.Fatal("fresh order must not be aborted")
	}
	o.Abort()
	if !o.Aborted() {
		t.Fatal("Abort should set the flag")
	}
	if o.MaxAbsDelta() != 0.7 {
		t.Errorf("MaxAbsDelta = %v", o.MaxAbsDelta())
	}
}
