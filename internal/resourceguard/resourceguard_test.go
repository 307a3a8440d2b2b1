package resourceguard

import "testing"

func TestCUDAExclusivity(t *testing.T) {
	g := New(Config{MaxCUDASessions: 1})
	if !g.AcquireCUDA() {
		t.Fatal("expected first CUDA acquire to succeed")
	}
	if g.AcquireCUDA() {
		t.Fatal("expected second CUDA acquire to fail while exclusivity held")
	}
	g.ReleaseCUDA()
	if !g.AcquireCUDA() {
		t.Fatal("expected CUDA acquire to succeed after release")
	}
}

func TestCUDADisabledWhenZero(t *testing.T) {
	g := New(Config{MaxCUDASessions: 0})
	if g.AcquireCUDA() {
		t.Fatal("expected CUDA acquire to fail when MaxCUDASessions=0")
	}
}

func TestSessionCapRejectsBeyondLimit(t *testing.T) {
	g := New(Config{MaxSessions: 2, AdmissionRatePerSec: 1000})
	g.IncrementSessions()
	g.IncrementSessions()
	ok, reason := g.ShouldAcceptSession()
	if ok || reason != ReasonSessionCap {
		t.Fatalf("want rejection with ReasonSessionCap, got ok=%v reason=%v", ok, reason)
	}
	g.DecrementSessions()
	ok, _ = g.ShouldAcceptSession()
	if !ok {
		t.Fatal("expected admission to succeed after decrementing below cap")
	}
}

func TestCPURejectThreshold(t *testing.T) {
	g := New(Config{MaxSessions: 100, CPURejectThreshold: 80, AdmissionRatePerSec: 1000})
	g.UpdateCPU(95)
	ok, reason := g.ShouldAcceptSession()
	if ok || reason != ReasonCPUOverloaded {
		t.Fatalf("want rejection with ReasonCPUOverloaded, got ok=%v reason=%v", ok, reason)
	}
}
