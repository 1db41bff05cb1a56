package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"", LevelInfo},
		{"WARN", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"nonsense", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLevelString(t *testing.T) {
	if LevelDebug.String() != "debug" || LevelError.String() != "error" {
		t.Errorf("unexpected level names: %s %s", LevelDebug, LevelError)
	}
}

func TestLoggerWritesToFile(t *testing.T) {
	dir := t.TempDir()
	Configure(Options{Dir: dir, Level: LevelInfo})
	defer Configure(Options{Dir: t.TempDir(), Level: LevelInfo})

	Registry("block %s saved", "web_search")
	Get(CategoryRegistry).Warn("embedding slow")

	pattern := filepath.Join(dir, "registry-*.log")
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one registry log file, got %v (err %v)", matches, err)
	}

	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "block web_search saved") {
		t.Errorf("log missing info record: %s", content)
	}
	if !strings.Contains(content, "[WARN] embedding slow") {
		t.Errorf("log missing warn record: %s", content)
	}
}

func TestDebugGating(t *testing.T) {
	dir := t.TempDir()
	Configure(Options{Dir: dir, Level: LevelInfo, DebugCategories: []string{"planner"}})
	defer Configure(Options{Dir: t.TempDir(), Level: LevelInfo})

	PlannerDebug("stage entered")
	ExecutorDebug("should be dropped")

	plannerLogs, _ := filepath.Glob(filepath.Join(dir, "planner-*.log"))
	if len(plannerLogs) != 1 {
		t.Fatalf("expected planner log file, got %v", plannerLogs)
	}
	data, _ := os.ReadFile(plannerLogs[0])
	if !strings.Contains(string(data), "stage entered") {
		t.Errorf("planner debug record missing despite category enable")
	}

	execLogs, _ := filepath.Glob(filepath.Join(dir, "executor-*.log"))
	if len(execLogs) == 1 {
		data, _ := os.ReadFile(execLogs[0])
		if strings.Contains(string(data), "should be dropped") {
			t.Errorf("executor debug record written without debug enabled")
		}
	}
}

func TestJSONFormat(t *testing.T) {
	dir := t.TempDir()
	Configure(Options{Dir: dir, Level: LevelInfo, JSON: true})
	defer Configure(Options{Dir: t.TempDir(), Level: LevelInfo})

	Sandbox("container started")

	logs, _ := filepath.Glob(filepath.Join(dir, "sandbox-*.log"))
	if len(logs) != 1 {
		t.Fatalf("expected sandbox log file, got %v", logs)
	}
	data, _ := os.ReadFile(logs[0])
	if !strings.Contains(string(data), `"category":"sandbox"`) {
		t.Errorf("expected JSON record, got: %s", data)
	}
	if !strings.Contains(string(data), `"message":"container started"`) {
		t.Errorf("expected message field, got: %s", data)
	}
}

func TestTimer(t *testing.T) {
	dir := t.TempDir()
	Configure(Options{Dir: dir, Level: LevelDebug, Debug: true})
	defer Configure(Options{Dir: t.TempDir(), Level: LevelInfo})

	timer := StartTimer(CategorySynthesis, "golden run")
	time.Sleep(5 * time.Millisecond)
	elapsed := timer.Stop()
	if elapsed < 5*time.Millisecond {
		t.Errorf("elapsed %v below sleep duration", elapsed)
	}

	slow := StartTimer(CategorySynthesis, "slow op")
	time.Sleep(2 * time.Millisecond)
	slow.StopWithThreshold(time.Nanosecond)

	logs, _ := filepath.Glob(filepath.Join(dir, "synthesis-*.log"))
	if len(logs) != 1 {
		t.Fatalf("expected synthesis log file, got %v", logs)
	}
	data, _ := os.ReadFile(logs[0])
	if !strings.Contains(string(data), "golden run: completed in") {
		t.Errorf("timer completion record missing: %s", data)
	}
	if !strings.Contains(string(data), "slow op: slow") {
		t.Errorf("threshold warning missing: %s", data)
	}
}

func TestRequestLoggerCorrelation(t *testing.T) {
	dir := t.TempDir()
	Configure(Options{Dir: dir, Level: LevelInfo})
	defer Configure(Options{Dir: t.TempDir(), Level: LevelInfo})

	rl := WithRequestID(CategoryServer, "abc12345")
	rl.Info("plan accepted")
	rl.WithField("node", "n2").Warn("node failed")

	logs, _ := filepath.Glob(filepath.Join(dir, "server-*.log"))
	if len(logs) != 1 {
		t.Fatalf("expected server log file, got %v", logs)
	}
	data, _ := os.ReadFile(logs[0])
	content := string(data)
	if !strings.Contains(content, "[req:abc12345] plan accepted") {
		t.Errorf("correlation prefix missing: %s", content)
	}
	if !strings.Contains(content, "node=n2") {
		t.Errorf("field annotation missing: %s", content)
	}
}

func TestNewRequestLoggerGeneratesID(t *testing.T) {
	rl := NewRequestLogger(CategoryServer)
	if len(rl.RequestID()) != 8 {
		t.Errorf("expected 8-char correlation id, got %q", rl.RequestID())
	}
}
