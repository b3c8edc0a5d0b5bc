package upload

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/square-key-labs/avatarcall/src/callmetrics"
)

type fakeBucket struct {
	keys []string
	ct   string
	err  error
}

func (b *fakeBucket) Put(key, contentType string, _ []byte) error {
	if b.err != nil {
		return b.err
	}
	b.keys = append(b.keys, key)
	b.ct = contentType
	return nil
}

func (b *fakeBucket) PublicURL(key string) string {
	return "https://storage.test/" + key
}

type fakeAnalyzer struct {
	analysis *callmetrics.Analysis
	err      error
}

func (a *fakeAnalyzer) Analyze(context.Context, Blob) (*callmetrics.Analysis, error) {
	return a.analysis, a.err
}

func testBlob() Blob {
	return Blob{Data: []byte("OggS"), ContentType: "audio/ogg", Extension: "ogg"}
}

func TestStorageUploaderWithAnalysis(t *testing.T) {
	bucket := &fakeBucket{}
	turns := 2
	u := newStorageUploader(bucket, &fakeAnalyzer{analysis: &callmetrics.Analysis{
		Summary:             "talked about sleep",
		ConversationMetrics: &callmetrics.ConversationAnalysis{TurnsCount: &turns},
	}}, "")

	res, err := u.Upload(context.Background(), "call-1", testBlob())
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(bucket.keys) != 1 || !strings.HasPrefix(bucket.keys[0], "recordings/call-1/") || !strings.HasSuffix(bucket.keys[0], ".ogg") {
		t.Fatalf("unexpected object key: %v", bucket.keys)
	}
	if bucket.ct != "audio/ogg" {
		t.Fatalf("content type = %q", bucket.ct)
	}
	if !strings.HasPrefix(res.URL, "https://storage.test/recordings/call-1/") {
		t.Fatalf("url = %q", res.URL)
	}
	if res.Analysis == nil || res.Analysis.Summary != "talked about sleep" {
		t.Fatalf("analysis missing: %+v", res.Analysis)
	}
}

func TestStorageUploaderAnalysisFailureKeepsUpload(t *testing.T) {
	u := newStorageUploader(&fakeBucket{}, &fakeAnalyzer{err: errors.New("quota")}, "calls")
	res, err := u.Upload(context.Background(), "call-1", testBlob())
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.URL == "" || res.Analysis != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestStorageUploaderPutFailure(t *testing.T) {
	u := newStorageUploader(&fakeBucket{err: errors.New("403")}, nil, "")
	if _, err := u.Upload(context.Background(), "call-1", testBlob()); err == nil {
		t.Fatal("expected upload error")
	}
}

func TestParseAnalysis(t *testing.T) {
	text := "```json\n{\"summary\":\"ok\",\"topics\":[\"sleep\"],\"conversationMetrics\":{\"turnsCount\":3,\"avgResponseTimeMs\":820}}\n```"
	a, err := parseAnalysis(text)
	if err != nil {
		t.Fatalf("parseAnalysis: %v", err)
	}
	if a.Summary != "ok" || len(a.Topics) != 1 {
		t.Fatalf("unexpected analysis: %+v", a)
	}
	cm := a.ConversationMetrics
	if cm == nil || *cm.TurnsCount != 3 || *cm.AvgResponseTimeMs != 820 || cm.UserSpeakingTimeSec != nil {
		t.Fatalf("unexpected conversation metrics: %+v", cm)
	}

	if _, err := parseAnalysis("  "); err == nil {
		t.Fatal("empty analysis should fail")
	}
}

func TestHTTPUploader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		file, hdr, err := r.FormFile("file")
		if err != nil || hdr.Filename != "recording.ogg" || r.FormValue("callId") != "call-9" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		file.Close()
		json.NewEncoder(w).Encode(map[string]any{
			"url":      "https://cdn.test/call-9.ogg",
			"analysis": map[string]any{"summary": "fine"},
		})
	}))
	defer srv.Close()

	res, err := NewHTTPUploader(srv.URL, "tok").Upload(context.Background(), "call-9", testBlob())
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.URL != "https://cdn.test/call-9.ogg" || res.Analysis == nil || res.Analysis.Summary != "fine" {
		t.Fatalf("unexpected result: %+v", res)
	}

	if _, err := NewHTTPUploader(srv.URL, "wrong").Upload(context.Background(), "call-9", testBlob()); err == nil {
		t.Fatal("expected error on 401")
	}
}
