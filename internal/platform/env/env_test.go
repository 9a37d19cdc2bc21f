package env

import (
	"testing"
	"time"
)

func TestStringDefault(t *testing.T) {
	if got := String("SALESPIPE_TEST_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("got %q", got)
	}
	t.Setenv("SALESPIPE_TEST_SET", "value")
	if got := String("SALESPIPE_TEST_SET", "fallback"); got != "value" {
		t.Fatalf("got %q", got)
	}
}

func TestIntParse(t *testing.T) {
	t.Setenv("SALESPIPE_TEST_INT", "4")
	got, err := Int("SALESPIPE_TEST_INT", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 4 {
		t.Fatalf("got %d", got)
	}

	t.Setenv("SALESPIPE_TEST_INT", "not-a-number")
	if _, err := Int("SALESPIPE_TEST_INT", 1); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestDurationParse(t *testing.T) {
	got, err := Duration("SALESPIPE_TEST_UNSET_DURATION", 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 5*time.Second {
		t.Fatalf("got %v", got)
	}

	t.Setenv("SALESPIPE_TEST_DURATION", "90s")
	got, err = Duration("SALESPIPE_TEST_DURATION", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 90*time.Second {
		t.Fatalf("got %v", got)
	}
}

func TestBoolParse(t *testing.T) {
	t.Setenv("SALESPIPE_TEST_BOOL", "true")
	got, err := Bool("SALESPIPE_TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got {
		t.Fatalf("got false")
	}
}
