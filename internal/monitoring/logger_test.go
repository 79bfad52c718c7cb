package monitoring

import (
	"fmt"
	"testing"
	"time"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Printf("test message")
	if !called {
		t.Error("Custom logger was not called")
	}

	called = false
	SetLogger(nil)
	Printf("test message")
	if called {
		t.Error("No-op logger should not have triggered callback")
	}
}

func TestLogf_Default(t *testing.T) {
	if Logf == nil {
		t.Error("Logf should not be nil by default")
	}
}

func TestLimiter_SuppressesRepeats(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	now := time.Unix(1000, 0)
	l := NewLimiter(time.Second)
	l.now = func() time.Time { return now }

	l.Printf("imu", "imu read failed: %v", "timeout")
	l.Printf("imu", "imu read failed: %v", "timeout")
	l.Printf("imu", "imu read failed: %v", "timeout")
	l.Printf("battery", "battery read failed")

	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), lines)
	}

	now = now.Add(1500 * time.Millisecond)
	l.Printf("imu", "imu read failed: %v", "timeout")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	want := "imu read failed: timeout (2 similar suppressed)"
	if lines[2] != want {
		t.Errorf("got %q, want %q", lines[2], want)
	}
}
