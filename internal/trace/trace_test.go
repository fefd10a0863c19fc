package trace

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenCreatesRunLayout(t *testing.T) {
	root := t.TempDir()
	st, err := Open("file://"+root, "run-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, sub := range []string{"artifacts", "evidence"} {
		if fi, err := os.Stat(filepath.Join(root, "run-1", sub)); err != nil || !fi.IsDir() {
			t.Fatalf("missing %s dir: %v", sub, err)
		}
	}
	if !strings.HasSuffix(st.RootURI(), filepath.Join(root, "run-1")) {
		t.Fatalf("unexpected root uri %s", st.RootURI())
	}
	if !strings.HasPrefix(st.URI("artifacts/out.txt"), "file://") {
		t.Fatalf("unexpected uri %s", st.URI("artifacts/out.txt"))
	}
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	if _, err := Open("s3://bucket/traces", "run-1"); err == nil {
		t.Fatal("expected error for s3 scheme")
	}
}

func TestWriteAndAppend(t *testing.T) {
	root := t.TempDir()
	st, err := Open(root, "run-2")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.WriteJSON("manifest.json", map[string]string{"run_id": "run-2"}); err != nil {
		t.Fatalf("write json: %v", err)
	}
	if err := st.WriteText("trace.log", "started\n"); err != nil {
		t.Fatalf("write text: %v", err)
	}
	if err := st.AppendEvent("run_started", map[string]any{"mode": "system"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := st.AppendEvent("run_ended", nil); err != nil {
		t.Fatalf("append event: %v", err)
	}

	f, err := os.Open(filepath.Join(root, "run-2", "events.jsonl"))
	if err != nil {
		t.Fatalf("open events: %v", err)
	}
	defer f.Close()
	var events []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("bad jsonl line: %v", err)
		}
		events = append(events, rec["event"].(string))
	}
	if len(events) != 2 || events[0] != "run_started" || events[1] != "run_ended" {
		t.Fatalf("unexpected events %v", events)
	}
}
