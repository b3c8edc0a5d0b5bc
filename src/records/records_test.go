package records

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/square-key-labs/avatarcall/src/callmetrics"
)

func TestMemoryStoreCreateAndPatch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	id, err := s.Create(ctx, CreateRequest{
		InitialMetrics:   callmetrics.Initial(),
		TechnicalDetails: callmetrics.Technical{OS: "linux"},
		Prompt:           "check in on sleep",
		Metadata:         map[string]string{"avatarId": "a1"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	r, ok := s.Get(id)
	if !ok || r.Status != StatusInProgress || r.TechnicalDetails.OS != "linux" {
		t.Fatalf("unexpected record after create: %+v", r)
	}

	ended := time.Now()
	conv := callmetrics.Conversation{TurnsCount: 3}
	if err := s.Patch(ctx, id, Patch{
		Status:              StatusCompleted,
		EndedAt:             ended,
		Duration:            42 * time.Second,
		RecordingURL:        "https://cdn/rec.ogg",
		ConversationMetrics: &conv,
	}); err != nil {
		t.Fatalf("Patch: %v", err)
	}

	// A status-only patch leaves the other fields in place
	if err := s.Patch(ctx, id, Patch{Status: StatusCompleted}); err != nil {
		t.Fatalf("Patch: %v", err)
	}

	r, _ = s.Get(id)
	if r.Status != StatusCompleted || r.Duration != 42*time.Second || r.RecordingURL == "" {
		t.Fatalf("unexpected record after patch: %+v", r)
	}
	if r.ConversationMetrics.TurnsCount != 3 {
		t.Fatalf("conversation metrics lost: %+v", r.ConversationMetrics)
	}
}

func TestMemoryStorePatchUnknown(t *testing.T) {
	err := NewMemoryStore().Patch(context.Background(), "missing", Patch{Status: StatusFailed})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Patch unknown = %v, want ErrNotFound", err)
	}
}

func TestPatchJSON(t *testing.T) {
	data, err := json.Marshal(Patch{
		Status:   StatusCompleted,
		EndedAt:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Duration: 90 * time.Second,
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(data)
	for _, want := range []string{`"status":"completed"`, `"durationSec":90`, `"endedAt":"2026-03-01T10:00:00Z"`} {
		if !strings.Contains(s, want) {
			t.Errorf("missing %s in %s", want, s)
		}
	}
	if strings.Contains(s, "recordingUrl") {
		t.Errorf("empty recording url serialized: %s", s)
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("AVATARCALL_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("AVATARCALL_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	defer s.Close()

	id, err := s.Create(ctx, CreateRequest{InitialMetrics: callmetrics.Initial()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Patch(ctx, id, Patch{Status: StatusFailed, ErrorLogs: []ErrorLogEntry{{Timestamp: time.Now(), Error: "boom", Context: "test"}}}); err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if err := s.Patch(ctx, "00000000-0000-0000-0000-000000000000", Patch{Status: StatusFailed}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Patch unknown = %v, want ErrNotFound", err)
	}
}
