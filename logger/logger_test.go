package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureReportLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("report", "text", "stderr", 0); err != nil {
		t.Fatalf("report level rejected: %v", err)
	}
}

func TestLogPerformanceEntry(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	fields := Fields{"status": 200}
	LogPerformanceEntry(log.WithComponent("api"), "api", "/health", 1500*time.Microsecond, fields)

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["operation"] != "/health" || line["duration_ms"] != 1.5 || line["component"] != "api" {
		t.Fatalf("unexpected performance line: %v", line)
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	path := filepath.Join(t.TempDir(), "cryptostream.log")

	log := Logger()
	if err := log.Configure("info", "json", path, 0); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	log.WithComponent("bus").Info("to file")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(data, []byte(`"to file"`)) {
		t.Fatalf("log file missing entry: %s", data)
	}
}

func TestWarnCountsPerComponent(t *testing.T) {
	log := Logger()
	log.SetOutput(&bytes.Buffer{})

	log.WithComponent("stream_test").Warn("one")
	log.WithComponent("stream_test").Warn("two")

	counts := snapshotCounts(&warnCount)
	if counts["stream_test"] < 2 {
		t.Fatalf("expected at least 2 warns, got %d", counts["stream_test"])
	}
	if TotalCount(counts, "stream_") < 2 {
		t.Fatalf("prefix total too small: %v", counts)
	}
}

func TestRecordFlowReported(t *testing.T) {
	RecordFlow("test_flow", 10)
	RecordFlow("test_flow", 5)

	fields := buildReport(context.Background())
	flowsField := fields["flows"].(map[string]map[string]int64)
	stat, ok := flowsField["test_flow"]
	if !ok {
		t.Fatalf("flow missing from report: %v", flowsField)
	}
	if stat["events"] < 2 || stat["bytes"] < 15 {
		t.Fatalf("unexpected flow stats: %v", stat)
	}
}
