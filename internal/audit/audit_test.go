package audit

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func TestNilStoreIsNoOp(t *testing.T) {
	var s *Store
	s.Record(context.Background(), Entry{RequestID: "r1"})
	if err := s.Close(); err != nil {
		t.Errorf("nil close = %v", err)
	}
}

func TestRecordAndQuery(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.Record(context.Background(), Entry{
		RequestID:        "req-1",
		Endpoint:         "/chat/completions",
		Model:            "gpt-4o",
		Stream:           true,
		StatusCode:       200,
		PromptTokens:     12,
		CompletionTokens: 34,
		Duration:         250 * time.Millisecond,
	})

	var row struct {
		RequestID        string `db:"request_id"`
		Model            string `db:"model"`
		Stream           bool   `db:"stream"`
		StatusCode       int    `db:"status_code"`
		PromptTokens     int    `db:"prompt_tokens"`
		CompletionTokens int    `db:"completion_tokens"`
		DurationNS       int64  `db:"duration_ns"`
	}
	err = s.DB().Get(&row, `SELECT request_id, model, stream, status_code, prompt_tokens, completion_tokens, duration_ns FROM request_log`)
	if err != nil {
		t.Fatal(err)
	}

	if row.RequestID != "req-1" || row.Model != "gpt-4o" || !row.Stream {
		t.Errorf("row = %+v", row)
	}
	if row.PromptTokens != 12 || row.CompletionTokens != 34 {
		t.Errorf("tokens = %d/%d", row.PromptTokens, row.CompletionTokens)
	}
	if row.DurationNS != (250 * time.Millisecond).Nanoseconds() {
		t.Errorf("duration_ns = %d", row.DurationNS)
	}
}

func TestOpenCreatesSchemaIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	for i := 0; i < 2; i++ {
		s, err := Open(path, slog.Default())
		if err != nil {
			t.Fatalf("open #%d: %v", i+1, err)
		}
		s.Close()
	}
}
