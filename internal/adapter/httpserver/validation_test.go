package httpserver_test

import (
	"strings"
	"testing"

	httpserver "github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/httpserver"
)

func TestValidateTaskID_Valid(t *testing.T) {
	res := httpserver.ValidateTaskID("task-123_ABC")
	if !res.Valid {
		t.Fatalf("expected valid id, got errors: %+v", res.Errors)
	}
}

func TestValidateTaskID_Empty(t *testing.T) {
	res := httpserver.ValidateTaskID("")
	if res.Valid {
		t.Fatalf("expected empty id to be invalid")
	}
	if res.Errors[0].Code != "REQUIRED" {
		t.Fatalf("expected REQUIRED code, got %s", res.Errors[0].Code)
	}
}

func TestValidateTaskID_TooLong(t *testing.T) {
	res := httpserver.ValidateTaskID(strings.Repeat("a", 101))
	if res.Valid {
		t.Fatalf("expected too-long id to be invalid")
	}
	if res.Errors[0].Code != "TOO_LONG" {
		t.Fatalf("expected TOO_LONG code, got %s", res.Errors[0].Code)
	}
}

func TestValidateTaskID_InvalidFormat(t *testing.T) {
	res := httpserver.ValidateTaskID("bad id!")
	if res.Valid {
		t.Fatalf("expected invalid format id to be invalid")
	}
	if res.Errors[0].Code != "INVALID_FORMAT" {
		t.Fatalf("expected INVALID_FORMAT code, got %s", res.Errors[0].Code)
	}
}
