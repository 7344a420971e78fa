package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/lynk/internal/mail"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

// fakeClock lets recovery timeouts elapse without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	cb := New(cfg, testLogger())
	cb.now = clock.now
	return cb, clock
}

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb := New(DefaultConfig("test"), testLogger())
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_AllowsRequestsWhenClosed(t *testing.T) {
	cb := New(DefaultConfig("test"), testLogger())
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3, RecoveryTimeout: 1 * time.Second}, testLogger())
	for i := 0; i < 3; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_RejectsWhenOpen(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 5 * time.Second}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("should reject when open")
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb, clock := newTestBreaker(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond})
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	clock.advance(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("should allow probe after timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ClosesOnSuccessfulProbe(t *testing.T) {
	cb, clock := newTestBreaker(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond})
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	clock.advance(60 * time.Millisecond)
	cb.Allow()
	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ReopensOnFailedProbe(t *testing.T) {
	cb, clock := newTestBreaker(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond})
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	clock.advance(60 * time.Millisecond)
	cb.Allow()
	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	if cb.GetState() != StateClosed {
		t.Fatal("success should have reset failure count")
	}
}

func TestCircuitBreaker_HalfOpenLimitsRequests(t *testing.T) {
	cb, clock := newTestBreaker(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond, HalfOpenMaxRequests: 1})
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	clock.advance(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("first half-open request should be allowed")
	}
	if cb.Allow() {
		t.Fatal("second half-open request should be rejected")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 5 * time.Second}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after reset, got %s", cb.GetState())
	}
	if !cb.Allow() {
		t.Fatal("should allow after reset")
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb := New(Config{Name: "stats-test", MaxFailures: 5, RecoveryTimeout: 5 * time.Second}, testLogger())
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()
	stats := cb.Stats()
	if stats.Name != "stats-test" {
		t.Fatalf("name = %s", stats.Name)
	}
	if stats.TotalRequests != 3 {
		t.Fatalf("total_requests = %d", stats.TotalRequests)
	}
	if stats.TotalSuccesses != 2 {
		t.Fatalf("total_successes = %d", stats.TotalSuccesses)
	}
	if stats.TotalFailures != 1 {
		t.Fatalf("total_failures = %d", stats.TotalFailures)
	}
}

func TestCircuitBreaker_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig("svc")
	if cfg.MaxFailures != 5 {
		t.Fatalf("max_failures = %d", cfg.MaxFailures)
	}
	if cfg.RecoveryTimeout != 30*time.Second {
		t.Fatalf("recovery_timeout = %v", cfg.RecoveryTimeout)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

// --- ProtectedMailer Tests ---

type mockMailer struct {
	sendErr   error
	sendCalls int
}

func (m *mockMailer) Send(ctx context.Context, msg mail.Message) error {
	m.sendCalls++
	return m.sendErr
}

func testMessage() mail.Message {
	return mail.Message{To: "ada@example.com", Subject: "Weekly picks", HTML: "<p>hi</p>"}
}

func TestProtectedMailer_PassesThrough(t *testing.T) {
	mock := &mockMailer{}
	cb := New(Config{Name: "test", MaxFailures: 5}, testLogger())
	pm := NewProtectedMailer(mock, cb, testLogger())
	if err := pm.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if mock.sendCalls != 1 {
		t.Fatalf("calls = %d", mock.sendCalls)
	}
}

func TestProtectedMailer_FailFastWhenOpen(t *testing.T) {
	mock := &mockMailer{sendErr: errors.New("down")}
	cb := New(Config{Name: "test", MaxFailures: 2}, testLogger())
	pm := NewProtectedMailer(mock, cb, testLogger())
	pm.Send(context.Background(), testMessage())
	pm.Send(context.Background(), testMessage())
	mock.sendCalls = 0
	err := pm.Send(context.Background(), testMessage())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got: %v", err)
	}
	if mock.sendCalls != 0 {
		t.Fatalf("mailer called %d times when circuit open", mock.sendCalls)
	}
}

func TestProtectedMailer_PermanentErrorsDoNotTrip(t *testing.T) {
	mock := &mockMailer{sendErr: mail.ErrInvalidRecipient}
	cb := New(Config{Name: "test", MaxFailures: 2}, testLogger())
	pm := NewProtectedMailer(mock, cb, testLogger())
	for i := 0; i < 5; i++ {
		if err := pm.Send(context.Background(), testMessage()); !errors.Is(err, mail.ErrInvalidRecipient) {
			t.Fatalf("send %d: expected ErrInvalidRecipient, got %v", i, err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed circuit, got %s", cb.GetState())
	}
	if cb.Stats().TotalFailures != 0 {
		t.Fatalf("expected no counted failures, got %d", cb.Stats().TotalFailures)
	}
}

func TestProtectedMailer_RecordsStats(t *testing.T) {
	mock := &mockMailer{}
	cb := New(Config{Name: "test", MaxFailures: 5}, testLogger())
	pm := NewProtectedMailer(mock, cb, testLogger())
	pm.Send(context.Background(), testMessage())
	if cb.Stats().TotalSuccesses != 1 {
		t.Fatal("expected 1 success")
	}
	mock.sendErr = errors.New("fail")
	pm.Send(context.Background(), testMessage())
	if cb.Stats().TotalFailures != 1 {
		t.Fatal("expected 1 failure")
	}
}

func TestProtectedMailer_FullLifecycle(t *testing.T) {
	mock := &mockMailer{}
	cb, clock := newTestBreaker(Config{Name: "lifecycle", MaxFailures: 3, RecoveryTimeout: 30 * time.Second})
	pm := NewProtectedMailer(mock, cb, testLogger())
	msg := testMessage()

	// Phase 1: working
	if err := pm.Send(context.Background(), msg); err != nil {
		t.Fatalf("phase1: %v", err)
	}

	// Phase 2: provider fails, circuit opens
	mock.sendErr = errors.New("SES down")
	for i := 0; i < 3; i++ {
		pm.Send(context.Background(), msg)
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("phase2: expected open, got %s", cb.GetState())
	}

	// Phase 3: fail fast
	mock.sendCalls = 0
	if err := pm.Send(context.Background(), msg); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("phase3: %v", err)
	}
	if mock.sendCalls != 0 {
		t.Fatal("phase3: mailer should not be called")
	}

	// Phase 4: recovery timeout elapses and the provider is back
	clock.advance(31 * time.Second)
	mock.sendErr = nil
	if err := pm.Send(context.Background(), msg); err != nil {
		t.Fatalf("phase4: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("phase4: expected closed, got %s", cb.GetState())
	}

	// Phase 5: normal traffic
	for i := 0; i < 5; i++ {
		if err := pm.Send(context.Background(), msg); err != nil {
			t.Fatalf("phase5[%d]: %v", i, err)
		}
	}
}

func TestCircuitBreaker_DoWithoutClassifier(t *testing.T) {
	cb := New(Config{Name: "crm", MaxFailures: 1}, testLogger())
	err := cb.Do(func() error { return errors.New("503") }, nil)
	if err == nil {
		t.Fatal("expected error to pass through")
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open after one counted failure, got %s", cb.GetState())
	}
}
