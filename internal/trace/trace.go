package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store is one run's slice of the trace tree. Each run owns the prefix
// <root>/<run_id>/ exclusively, so stores never contend with each other.
//
// Layout under the run prefix:
//
//	manifest.json    run identity and pinned context
//	events.jsonl     append-only event stream
//	trace.log        free-form execution log
//	artifacts/       executor outputs
//	evidence/        prover verdict and per-criterion records
type Store interface {
	RunID() string
	RootURI() string
	URI(relpath string) string
	WriteJSON(relpath string, v any) error
	WriteText(relpath string, text string) error
	AppendLine(relpath string, line string) error
	AppendEvent(event string, fields map[string]any) error
	EnsureDir(relpath string) error
}

// Open returns a store for a run under the given root URI. Only file://
// roots are supported; other schemes (s3 is the expected next one) are
// rejected here rather than silently treated as paths.
func Open(rootURI, runID string) (Store, error) {
	switch {
	case strings.HasPrefix(rootURI, "file://"):
		return newFileStore(strings.TrimPrefix(rootURI, "file://"), runID)
	case strings.Contains(rootURI, "://"):
		return nil, fmt.Errorf("unsupported trace root scheme in %q", rootURI)
	default:
		return newFileStore(rootURI, runID)
	}
}

type fileStore struct {
	root  string
	runID string
}

func newFileStore(root, runID string) (*fileStore, error) {
	if runID == "" {
		return nil, fmt.Errorf("trace store requires a run id")
	}
	dir := filepath.Join(root, runID)
	for _, sub := range []string{"", "artifacts", "evidence"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, err
		}
	}
	return &fileStore{root: root, runID: runID}, nil
}

func (s *fileStore) RunID() string { return s.runID }

func (s *fileStore) RootURI() string {
	return "file://" + filepath.Join(s.root, s.runID)
}

func (s *fileStore) URI(relpath string) string {
	return "file://" + filepath.Join(s.root, s.runID, relpath)
}

func (s *fileStore) path(relpath string) string {
	return filepath.Join(s.root, s.runID, relpath)
}

func (s *fileStore) WriteJSON(relpath string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", relpath, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path(relpath)), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path(relpath), append(data, '\n'), 0o644)
}

func (s *fileStore) WriteText(relpath string, text string) error {
	if err := os.MkdirAll(filepath.Dir(s.path(relpath)), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path(relpath), []byte(text), 0o644)
}

func (s *fileStore) AppendLine(relpath string, line string) error {
	f, err := os.OpenFile(s.path(relpath), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

// AppendEvent appends one JSON object to events.jsonl with a ts and event
// field merged over the given payload.
func (s *fileStore) AppendEvent(event string, fields map[string]any) error {
	rec := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"event": event,
	}
	for k, v := range fields {
		rec[k] = v
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event, err)
	}
	return s.AppendLine("events.jsonl", string(data))
}

func (s *fileStore) EnsureDir(relpath string) error {
	return os.MkdirAll(s.path(relpath), 0o755)
}
