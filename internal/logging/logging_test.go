package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"trace":   zerolog.TraceLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestStartupLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	Configure("info", "json", &buf)
	defer Configure("info", "console", &bytes.Buffer{})

	NewStartupLogger("autotag").
		Service("processor", "http://localhost:8000").
		DynamoTable("runs", "autotag-runs").
		Feature("dryRun", true).
		Config("concurrency", "4").
		Log()

	var doc map[string]any
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("expected a JSON line, got %q: %v", buf.String(), err)
	}
	if doc["message"] != "Startup complete" {
		t.Errorf("unexpected message: %v", doc["message"])
	}
	services, _ := doc["services"].(map[string]any)
	if services["processor"] != "http://localhost:8000" {
		t.Errorf("expected processor service, got %v", doc["services"])
	}
	resources, _ := doc["resources"].(map[string]any)
	tables, _ := resources["dynamoTables"].(map[string]any)
	if tables["runs"] != "autotag-runs" {
		t.Errorf("expected runs table, got %v", doc["resources"])
	}
	if _, ok := doc["process"]; !ok {
		t.Error("missing process block")
	}
}

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("AUTOTAG_TEST_VALUE", "")
	if got := EnvOrDefault("AUTOTAG_TEST_VALUE", "fallback"); got != "fallback" {
		t.Errorf("expected fallback, got %s", got)
	}
	t.Setenv("AUTOTAG_TEST_VALUE", "set")
	if got := EnvOrDefault("AUTOTAG_TEST_VALUE", "fallback"); got != "set" {
		t.Errorf("expected set, got %s", got)
	}
}
