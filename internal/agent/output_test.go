package agent

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeArtifact(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidateOutputSuccess(t *testing.T) {
	path := writeArtifact(t, `{"subtype":"success","is_error":false,"result":"The weather today is sunny with a high of 24C."}`)

	out, err := ValidateOutput(path, 50)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if out.Result == "" {
		t.Fatal("result not parsed")
	}
}

func TestValidateOutputMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never-written.json")

	_, err := ValidateOutput(path, 50)
	var oerr *OutputError
	if !errors.As(err, &oerr) {
		t.Fatalf("expected OutputError, got %v", err)
	}
	if !strings.Contains(oerr.Reason, "not written") {
		t.Fatalf("unexpected reason: %s", oerr.Reason)
	}
}

func TestValidateOutputTooSmall(t *testing.T) {
	path := writeArtifact(t, `{"result":"ok"}`)

	_, err := ValidateOutput(path, 50)
	var oerr *OutputError
	if !errors.As(err, &oerr) {
		t.Fatalf("expected OutputError, got %v", err)
	}
	if !strings.Contains(oerr.Reason, "too small") {
		t.Fatalf("unexpected reason: %s", oerr.Reason)
	}
}

func TestValidateOutputNotJSON(t *testing.T) {
	path := writeArtifact(t, strings.Repeat("definitely not json ", 5))

	_, err := ValidateOutput(path, 50)
	var oerr *OutputError
	if !errors.As(err, &oerr) {
		t.Fatalf("expected OutputError, got %v", err)
	}
}

func TestValidateOutputErrorSubtype(t *testing.T) {
	// Exit code 0 with an explicit error marker is still a failed run.
	path := writeArtifact(t, `{"subtype":"error","result":"API Error 500: upstream model unavailable"}`)

	_, err := ValidateOutput(path, 50)
	var oerr *OutputError
	if !errors.As(err, &oerr) {
		t.Fatalf("expected OutputError, got %v", err)
	}
	if !strings.Contains(oerr.Reason, "error result") {
		t.Fatalf("unexpected reason: %s", oerr.Reason)
	}
}

func TestValidateOutputIsErrorFlag(t *testing.T) {
	path := writeArtifact(t, `{"is_error":true,"result":"something went wrong inside the agent process"}`)

	_, err := ValidateOutput(path, 50)
	var oerr *OutputError
	if !errors.As(err, &oerr) {
		t.Fatalf("expected OutputError, got %v", err)
	}
}

func TestValidateOutputEmptyResult(t *testing.T) {
	path := writeArtifact(t, `{"subtype":"success","is_error":false,"result":"","padding":"xxxxxxxxxxxxxxxxxxxx"}`)

	_, err := ValidateOutput(path, 50)
	var oerr *OutputError
	if !errors.As(err, &oerr) {
		t.Fatalf("expected OutputError, got %v", err)
	}
	if !strings.Contains(oerr.Reason, "schema") {
		t.Fatalf("unexpected reason: %s", oerr.Reason)
	}
}

func TestValidateOutputMissingResult(t *testing.T) {
	path := writeArtifact(t, `{"subtype":"success","padding":"xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"}`)

	_, err := ValidateOutput(path, 50)
	var oerr *OutputError
	if !errors.As(err, &oerr) {
		t.Fatalf("expected OutputError, got %v", err)
	}
}

func TestLoadOutput(t *testing.T) {
	path := writeArtifact(t, `{"result":"hello"}`)
	out, err := LoadOutput(path)
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != "hello" {
		t.Fatalf("result = %q", out.Result)
	}
}
