package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3, Cooldown: time.Minute}, testLogger())

	fail := func() error { return errors.New("provider down") }

	for i := 0; i < 3; i++ {
		if err := cb.Execute(fail); err == nil {
			t.Fatal("expected failure to propagate")
		}
	}

	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	// Open breaker rejects without calling fn.
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if called {
		t.Error("fn called while breaker open")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3, Cooldown: time.Minute}, testLogger())

	fail := func() error { return errors.New("boom") }
	ok := func() error { return nil }

	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	_ = cb.Execute(ok)
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)

	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want closed (failures were not consecutive)", cb.State())
	}
}

func TestHalfOpenProbeClosesOnSuccess(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 1, Cooldown: 10 * time.Millisecond}, testLogger())

	_ = cb.Execute(func() error { return errors.New("boom") })
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	time.Sleep(20 * time.Millisecond)

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want closed after successful probe", cb.State())
	}
}

func TestHalfOpenProbeReopensOnFailure(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 1, Cooldown: 10 * time.Millisecond}, testLogger())

	_ = cb.Execute(func() error { return errors.New("boom") })
	time.Sleep(20 * time.Millisecond)

	_ = cb.Execute(func() error { return errors.New("still down") })
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open after failed probe", cb.State())
	}
}

func TestMetricsConsistent(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 10, Cooldown: time.Minute}, testLogger())

	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return nil })
	}
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errors.New("boom") })
	}

	m := cb.Metrics()
	if m["total_requests"].(int64) != 8 {
		t.Errorf("total_requests = %v, want 8", m["total_requests"])
	}
	if m["total_successes"].(int64) != 5 {
		t.Errorf("total_successes = %v, want 5", m["total_successes"])
	}
	if m["total_failures"].(int64) != 3 {
		t.Errorf("total_failures = %v, want 3", m["total_failures"])
	}
}
