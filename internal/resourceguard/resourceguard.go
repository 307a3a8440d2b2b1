// Package resourceguard implements SessionManager's admission control:
// CUDA exclusivity as a counted semaphore, a session-count cap, and host
// CPU/goroutine safety valves that gate new-session admission only — never
// used to terminate a session already Running.
package resourceguard

import (
	"context"
	"math"
	"runtime"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Config controls admission thresholds.
type Config struct {
	MaxCUDASessions     int64
	MaxSessions         int
	CPURejectThreshold  float64
	CPUPauseThreshold   float64
	MaxGoroutines       int
	AdmissionRatePerSec int
}

// Reason identifies why admission was refused.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonSessionCap      Reason = "session_cap"
	ReasonCUDABusy        Reason = "cuda_busy"
	ReasonCPUOverloaded   Reason = "cpu_overloaded"
	ReasonGoroutineLimit  Reason = "goroutine_limit"
	ReasonAdmissionRate   Reason = "admission_rate_limited"
)

// Guard is SessionManager's admission gate.
type Guard struct {
	config Config

	cudaSem chan struct{}

	sessionCount int64
	currentCPU   atomic.Uint64 // float64 bits

	admissionLimiter *rate.Limiter
}

// New constructs a Guard. A MaxCUDASessions of 0 disables CUDA-backed
// sessions entirely (every CUDA acquire fails).
func New(cfg Config) *Guard {
	g := &Guard{config: cfg}
	if cfg.MaxCUDASessions > 0 {
		g.cudaSem = make(chan struct{}, cfg.MaxCUDASessions)
	}
	rps := cfg.AdmissionRatePerSec
	if rps <= 0 {
		rps = 50
	}
	g.admissionLimiter = rate.NewLimiter(rate.Limit(rps), rps)
	return g
}

// ShouldAcceptSession runs the ordered admission checks that don't require
// acquiring the CUDA semaphore: session count, CPU headroom, goroutine
// count, and admission rate. Call AcquireCUDA separately for sessions that
// request GPU exclusivity.
func (g *Guard) ShouldAcceptSession() (bool, Reason) {
	if g.config.MaxSessions > 0 && int(atomic.LoadInt64(&g.sessionCount)) >= g.config.MaxSessions {
		return false, ReasonSessionCap
	}
	if g.config.CPURejectThreshold > 0 && g.CurrentCPU() >= g.config.CPURejectThreshold {
		return false, ReasonCPUOverloaded
	}
	if g.config.MaxGoroutines > 0 && runtime.NumGoroutine() >= g.config.MaxGoroutines {
		return false, ReasonGoroutineLimit
	}
	if !g.admissionLimiter.Allow() {
		return false, ReasonAdmissionRate
	}
	return true, ReasonNone
}

// AcquireCUDA attempts to claim one of MaxCUDASessions GPU slots. It never
// blocks: callers get an immediate ResourceBusy-equivalent false if no
// slot is free.
func (g *Guard) AcquireCUDA() bool {
	if g.cudaSem == nil {
		return false
	}
	select {
	case g.cudaSem <- struct{}{}:
		return true
	default:
		return false
	}
}

// ReleaseCUDA frees a previously acquired GPU slot. Safe to call even if no
// slot was ever acquired by this guard instance (CUDA disabled); it is then
// a no-op.
func (g *Guard) ReleaseCUDA() {
	if g.cudaSem == nil {
		return
	}
	select {
	case <-g.cudaSem:
	default:
	}
}

// IncrementSessions records that a session was admitted.
func (g *Guard) IncrementSessions() {
	atomic.AddInt64(&g.sessionCount, 1)
}

// DecrementSessions records that a session was stopped.
func (g *Guard) DecrementSessions() {
	atomic.AddInt64(&g.sessionCount, -1)
}

// SessionCount returns the current admitted session count.
func (g *Guard) SessionCount() int64 {
	return atomic.LoadInt64(&g.sessionCount)
}

// CUDAInUse returns the number of currently held CUDA slots.
func (g *Guard) CUDAInUse() int {
	if g.cudaSem == nil {
		return 0
	}
	return len(g.cudaSem)
}

// UpdateCPU records the current host CPU utilization percentage, typically
// sampled periodically via gopsutil by the caller.
func (g *Guard) UpdateCPU(percent float64) {
	g.currentCPU.Store(math.Float64bits(percent))
}

// CurrentCPU returns the last recorded CPU utilization percentage.
func (g *Guard) CurrentCPU() float64 {
	return math.Float64frombits(g.currentCPU.Load())
}

// AllowExternal applies the same admission rate limiter to externally
// triggered work (e.g. inbound NATS messages). It never waits: it returns
// false at once when no token is available now. ctx is not consulted.
func (g *Guard) AllowExternal(ctx context.Context) bool {
	reservation := g.admissionLimiter.Reserve()
	if !reservation.OK() {
		return false
	}
	delay := reservation.Delay()
	if delay == 0 {
		return true
	}
	reservation.Cancel()
	return false
}
