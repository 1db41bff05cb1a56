package core

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestResultsWrittenExactlyOnce(t *testing.T) {
	rs := NewRunState("pipe-1", "run-1", "user-1")

	first := &NodeResult{NodeID: "n1", BlockID: "web_search", Status: NodeSucceeded,
		Output: map[string]interface{}{"results": []interface{}{"a"}}}
	if err := rs.SetResult("n1", first); err != nil {
		t.Fatalf("first write rejected: %v", err)
	}
	if err := rs.SetResult("n1", first); err == nil {
		t.Fatalf("second write accepted")
	}

	got, ok := rs.Result("n1")
	if !ok || got.BlockID != "web_search" {
		t.Errorf("result not readable: %v %v", got, ok)
	}
}

func TestFailureRecordPopulatesErrorFields(t *testing.T) {
	rs := NewRunState("p", "r", "u")
	failure := &NodeResult{
		NodeID: "n2", BlockID: "summarize", Status: NodeFailed,
		Error: NewValidation(SubkindMissingRequired, "text is required").WithNode("n2"),
	}
	if err := rs.SetResult("n2", failure); err != nil {
		t.Fatalf("SetResult: %v", err)
	}
	got, _ := rs.Result("n2")
	if got.ErrorKind != "validation" {
		t.Errorf("error kind = %q", got.ErrorKind)
	}
	if !rs.Failed() {
		t.Errorf("run with a failed node must report Failed")
	}
}

func TestRunNotFailedWhenAllSucceed(t *testing.T) {
	rs := NewRunState("p", "r", "u")
	_ = rs.SetResult("n1", &NodeResult{NodeID: "n1", Status: NodeSucceeded})
	_ = rs.SetResult("n2", &NodeResult{NodeID: "n2", Status: NodeTriggered})
	if rs.Failed() {
		t.Errorf("successful run reported failed")
	}
}

func TestConcurrentResultWrites(t *testing.T) {
	rs := NewRunState("p", "r", "u")
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("n%d", n+1)
			_ = rs.SetResult(id, &NodeResult{NodeID: id, Status: NodeSucceeded})
		}(i)
	}
	wg.Wait()
	if got := len(rs.Results()); got != 16 {
		t.Errorf("expected 16 results, got %d", got)
	}
}

func TestMemoryVisibilityWithinRun(t *testing.T) {
	rs := NewRunState("p", "r", "u")
	rs.LoadMemory(map[string]interface{}{"prefs": map[string]interface{}{"theme": "dark"}})

	rs.MemorySet("all_time_high", 123.45)
	if v, ok := rs.MemoryGet("all_time_high"); !ok || v != 123.45 {
		t.Errorf("write not visible: %v %v", v, ok)
	}

	rs.MemoryMerge(map[string]interface{}{"count": 2, "all_time_high": 200.0})
	snap := rs.MemorySnapshot()
	if snap["all_time_high"] != 200.0 || snap["count"] != 2 {
		t.Errorf("merge not applied: %v", snap)
	}
	if _, ok := snap["prefs"]; !ok {
		t.Errorf("loaded snapshot lost on merge")
	}

	// Snapshot is a copy; mutating it must not leak back.
	snap["count"] = 99
	if v, _ := rs.MemoryGet("count"); v != 2 {
		t.Errorf("snapshot aliases live memory")
	}
}

func TestConcurrentMemoryMerges(t *testing.T) {
	rs := NewRunState("p", "r", "u")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			rs.MemoryMerge(map[string]interface{}{"k" + string(rune('0'+n)): n})
		}(i)
	}
	wg.Wait()
	if got := len(rs.MemorySnapshot()); got != 8 {
		t.Errorf("expected 8 keys, got %d", got)
	}
}

func TestLogRecordsOrderAndKinds(t *testing.T) {
	rs := NewRunState("p", "r", "u")
	rs.AppendLog(LogRecord{Kind: LogMemory, Status: "loaded"})
	_ = rs.SetResult("n1", &NodeResult{NodeID: "n1", Status: NodeSucceeded, Duration: time.Millisecond})
	rs.AppendLog(LogRecord{Kind: LogMemory, Status: "saved"})

	log := rs.Log()
	if len(log) != 3 {
		t.Fatalf("expected 3 records, got %d", len(log))
	}
	if log[0].Kind != LogMemory || log[0].Status != "loaded" {
		t.Errorf("first record wrong: %+v", log[0])
	}
	if log[1].Kind != LogNode || log[1].NodeID != "n1" {
		t.Errorf("node record wrong: %+v", log[1])
	}
	if log[2].Status != "saved" {
		t.Errorf("last record wrong: %+v", log[2])
	}
}
