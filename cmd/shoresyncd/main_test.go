package main

import (
	"os"
	"reflect"
	"testing"
	"time"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("SHORESYNC_TEST_INT", "42")
	got := intEnv("SHORESYNC_TEST_INT", 7)
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("SHORESYNC_TEST_INT_BAD", "not-a-number")
	got := intEnv("SHORESYNC_TEST_INT_BAD", 7)
	if got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("SHORESYNC_TEST_DURATION", "150ms")
	got := durationEnv("SHORESYNC_TEST_DURATION", time.Second)
	if got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("SHORESYNC_TEST_DURATION_BAD", "soon")
	got := durationEnv("SHORESYNC_TEST_DURATION_BAD", 2*time.Second)
	if got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestBoolEnvParsesValue(t *testing.T) {
	t.Setenv("SHORESYNC_TEST_BOOL", "false")
	if got := boolEnv("SHORESYNC_TEST_BOOL", true); got {
		t.Fatal("expected false")
	}
	t.Setenv("SHORESYNC_TEST_BOOL", "garbage")
	if got := boolEnv("SHORESYNC_TEST_BOOL", true); !got {
		t.Fatal("expected fallback true on invalid value")
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("SHORESYNC_TEST_INT_UNSET")
	_ = os.Unsetenv("SHORESYNC_TEST_DURATION_UNSET")

	if got := intEnv("SHORESYNC_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := durationEnv("SHORESYNC_TEST_DURATION_UNSET", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s", got)
	}
}

func TestSplitTablesTrimsAndDropsEmpties(t *testing.T) {
	got := splitTables(" notes, ,checklists ,safety_reports,")
	want := []string{"notes", "checklists", "safety_reports"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got := splitTables(""); len(got) != 0 {
		t.Fatalf("expected no tables, got %v", got)
	}
}
