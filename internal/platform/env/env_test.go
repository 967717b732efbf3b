package env

import (
	"log/slog"
	"testing"
	"time"
)

func TestString_DefaultAndOverride(t *testing.T) {
	if got := String("PROVISION_ENV_STRING_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("String()=%q, want fallback", got)
	}
	t.Setenv("PROVISION_ENV_STRING", "value")
	if got := String("PROVISION_ENV_STRING", "fallback"); got != "value" {
		t.Fatalf("String()=%q, want value", got)
	}
}

func TestDuration(t *testing.T) {
	got, err := Duration("PROVISION_ENV_DURATION_UNSET", 5*time.Second)
	if err != nil {
		t.Fatalf("Duration() err=%v", err)
	}
	if got != 5*time.Second {
		t.Fatalf("Duration()=%v, want 5s", got)
	}

	t.Setenv("PROVISION_ENV_DURATION", "250ms")
	got, err = Duration("PROVISION_ENV_DURATION", 5*time.Second)
	if err != nil {
		t.Fatalf("Duration() err=%v", err)
	}
	if got != 250*time.Millisecond {
		t.Fatalf("Duration()=%v, want 250ms", got)
	}

	t.Setenv("PROVISION_ENV_DURATION_BAD", "soon")
	if _, err := Duration("PROVISION_ENV_DURATION_BAD", time.Second); err == nil {
		t.Fatalf("Duration() expected error")
	}
}

func TestBlankValueKeepsDefault(t *testing.T) {
	t.Setenv("PROVISION_ENV_BLANK", "   ")
	got, err := Int("PROVISION_ENV_BLANK", 9)
	if err != nil {
		t.Fatalf("Int() err=%v", err)
	}
	if got != 9 {
		t.Fatalf("Int()=%d, want 9", got)
	}
}

func TestBool_Invalid(t *testing.T) {
	t.Setenv("PROVISION_ENV_BOOL_BAD", "nope")
	if _, err := Bool("PROVISION_ENV_BOOL_BAD", false); err == nil {
		t.Fatalf("Bool() expected error")
	}
}

func TestInt_Override(t *testing.T) {
	t.Setenv("PROVISION_ENV_INT", "7")
	got, err := Int("PROVISION_ENV_INT", 42)
	if err != nil {
		t.Fatalf("Int() err=%v", err)
	}
	if got != 7 {
		t.Fatalf("Int()=%v, want 7", got)
	}
}

func TestFloat(t *testing.T) {
	t.Setenv("PROVISION_ENV_FLOAT", "2.5")
	got, err := Float("PROVISION_ENV_FLOAT", 1)
	if err != nil {
		t.Fatalf("Float() err=%v", err)
	}
	if got != 2.5 {
		t.Fatalf("Float()=%v, want 2.5", got)
	}
	t.Setenv("PROVISION_ENV_FLOAT_BAD", "x")
	if _, err := Float("PROVISION_ENV_FLOAT_BAD", 1); err == nil {
		t.Fatalf("Float() expected error")
	}
}

func TestLogLevel(t *testing.T) {
	t.Setenv("PROVISION_ENV_LEVEL", "DEBUG")
	got, err := LogLevel("PROVISION_ENV_LEVEL", slog.LevelInfo)
	if err != nil {
		t.Fatalf("LogLevel() err=%v", err)
	}
	if got != slog.LevelDebug {
		t.Fatalf("LogLevel()=%v, want debug", got)
	}
	t.Setenv("PROVISION_ENV_LEVEL_BAD", "loud")
	if _, err := LogLevel("PROVISION_ENV_LEVEL_BAD", slog.LevelInfo); err == nil {
		t.Fatalf("LogLevel() expected error")
	}
}
