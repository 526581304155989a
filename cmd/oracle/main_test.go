package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var stdout, stderr bytes.Buffer
		if err := run(context.Background(), &stdout, &stderr, args); err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(stdout.String(), "Usage: oracle") {
			t.Errorf("run(%v) output = %q", args, stdout.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"bogus"}, "unknown command"},
		{[]string{"-x"}, "unknown flag"},
		{[]string{"-o", "xml", "version"}, "unknown output format"},
		{[]string{"ask"}, "usage: oracle ask"},
		{[]string{"ingest-url", "u1"}, "usage: oracle ingest-url"},
		{[]string{"ingest-journal"}, "usage: oracle ingest-journal"},
		{[]string{"-config", "/nonexistent/oracle.yaml", "serve"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), &stdout, &stderr, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(stdout.String(), "Oracle") || !strings.Contains(stdout.String(), "go_version:") {
		t.Errorf("text output = %q", stdout.String())
	}

	stdout.Reset()
	if err := run(context.Background(), &stdout, &stderr, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("version json: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("json output: %v\n%s", err, stdout.String())
	}
	if info["version"] == "" {
		t.Errorf("missing version in %v", info)
	}
}

// writeTestConfig writes an offline config rooted in a temp directory.
func writeTestConfig(t *testing.T) (path, dataDir string) {
	t.Helper()
	dir := t.TempDir()
	dataDir = filepath.Join(dir, "data")
	body := "data_dir: " + dataDir + `
log_level: error
generation:
  providers:
    - name: echo
      kind: echo
voice:
  enabled: false
`
	path = filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path, dataDir
}

func TestRun_Ask(t *testing.T) {
	cfgPath, dataDir := writeTestConfig(t)

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"-config", cfgPath, "-o", "json", "ask", "hello", "oracle"}); err != nil {
		t.Fatalf("ask: %v", err)
	}

	var res struct {
		TurnID       string `json:"turn_id"`
		ReplyText    string `json:"reply_text"`
		ProviderUsed string `json:"provider_used"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		t.Fatalf("json output: %v\n%s", err, stdout.String())
	}
	if res.TurnID == "" || res.ProviderUsed != "echo" {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(res.ReplyText, "hello oracle") {
		t.Errorf("reply = %q", res.ReplyText)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "oracle.db")); err != nil {
		t.Errorf("database not created in data_dir: %v", err)
	}
}

func TestRun_IngestJournal(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	doc := filepath.Join(t.TempDir(), "notes.md")
	src := "# Dreams\n\nI walked along the river at dawn.\n\n## Later\n\nThe water was cold.\n"
	if err := os.WriteFile(doc, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"-config", cfgPath, "ingest-journal", "u1", doc}); err != nil {
		t.Fatalf("ingest-journal: %v", err)
	}
	if !strings.Contains(stdout.String(), "Successfully ingested") {
		t.Errorf("output = %q", stdout.String())
	}
}

func TestRun_ServeStopsOnCancel(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	body, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	body = append(body, []byte("listen:\n  address: 127.0.0.1\n  port: 18431\n")...)
	if err := os.WriteFile(cfgPath, body, 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var stdout, stderr bytes.Buffer
	go func() {
		done <- run(ctx, &stdout, &stderr, []string{"-config", cfgPath, "serve"})
	}()
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}
}
