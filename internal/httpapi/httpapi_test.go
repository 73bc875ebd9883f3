package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/deslabs/des/internal/backend/memback"
	"github.com/deslabs/des/internal/codec"
	"github.com/deslabs/des/internal/retention"
	"github.com/deslabs/des/internal/retrieval"
	"github.com/deslabs/des/internal/router"
	"github.com/deslabs/des/internal/shard"
)

func packOneFile(t *testing.T, b *memback.Backend, uid string, createdAt time.Time, payload string) {
	t.Helper()
	loc, err := router.Locate([]byte(uid), createdAt, 4)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	codecs, err := codec.NewAdapter()
	if err != nil {
		t.Fatalf("codec.NewAdapter: %v", err)
	}
	w, err := shard.Open(shard.WriterOptions{Backend: b, ObjectKey: loc.ObjectKey, Codecs: codecs})
	if err != nil {
		t.Fatalf("shard.Open: %v", err)
	}
	if err := w.Append(context.Background(), shard.AppendInput{UID: []byte(uid), Payload: bytes.NewReader([]byte(payload))}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func newTestHandler(t *testing.T, b *memback.Backend) *Handler {
	t.Helper()
	eng, err := retrieval.New(retrieval.Options{Backend: b, NBits: 4, Sleep: func(time.Duration) {}})
	if err != nil {
		t.Fatalf("retrieval.New: %v", err)
	}
	ledger, err := retention.OpenLedger(filepath.Join(t.TempDir(), "retention.db"))
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	t.Cleanup(func() { _ = ledger.Close() })
	mgr, err := retention.New(retention.Options{Backend: b, Ledger: ledger, NBits: 4})
	if err != nil {
		t.Fatalf("retention.New: %v", err)
	}
	return &Handler{Getter: eng, Retention: mgr}
}

func TestGetFileSuccess(t *testing.T) {
	b := memback.New("mem-1")
	createdAt := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	packOneFile(t, b, "u1", createdAt, "hello")
	h := newTestHandler(t, b)
	mux := h.NewMux()

	req := httptest.NewRequest(http.MethodGet, "/files/u1?created_at=2024-01-15T00:00:00Z", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200; body=%s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "hello" {
		t.Fatalf("got body %q, want %q", rec.Body.String(), "hello")
	}
}

func TestGetFileMissingCreatedAt(t *testing.T) {
	b := memback.New("mem-1")
	h := newTestHandler(t, b)
	mux := h.NewMux()

	req := httptest.NewRequest(http.MethodGet, "/files/u1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
}

func TestGetFileNotFound(t *testing.T) {
	b := memback.New("mem-1")
	h := newTestHandler(t, b)
	mux := h.NewMux()

	req := httptest.NewRequest(http.MethodGet, "/files/missing?created_at=2024-01-15T00:00:00Z", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", rec.Code)
	}
}

func TestRetentionPolicyMoveThenUpdate(t *testing.T) {
	b := memback.New("mem-1")
	createdAt := time.Date(2024, 12, 15, 10, 0, 0, 0, time.UTC)
	packOneFile(t, b, "x", createdAt, "payload-x")
	h := newTestHandler(t, b)
	mux := h.NewMux()

	body1 := map[string]string{"created_at": "2024-12-15T10:00:00Z", "due_date": time.Now().UTC().AddDate(1, 0, 0).Format(time.RFC3339)}
	buf1, _ := json.Marshal(body1)
	req1 := httptest.NewRequest(http.MethodPut, "/files/x/retention-policy", bytes.NewReader(buf1))
	rec1 := httptest.NewRecorder()
	mux.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200; body=%s", rec1.Code, rec1.Body.String())
	}
	var resp1 retentionPolicyResponse
	if err := json.Unmarshal(rec1.Body.Bytes(), &resp1); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp1.Action != "moved" {
		t.Fatalf("got action %q, want %q", resp1.Action, "moved")
	}

	body2 := map[string]string{"created_at": "2024-12-15T10:00:00Z", "due_date": time.Now().UTC().AddDate(2, 0, 0).Format(time.RFC3339)}
	buf2, _ := json.Marshal(body2)
	req2 := httptest.NewRequest(http.MethodPut, "/files/x/retention-policy", bytes.NewReader(buf2))
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200; body=%s", rec2.Code, rec2.Body.String())
	}
	var resp2 retentionPolicyResponse
	if err := json.Unmarshal(rec2.Body.Bytes(), &resp2); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp2.Action != "updated" {
		t.Fatalf("got action %q, want %q", resp2.Action, "updated")
	}
}

func TestRetentionPolicyTombstoneThenGetNotFound(t *testing.T) {
	b := memback.New("mem-1")
	createdAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	packOneFile(t, b, "y", createdAt, "payload-y")
	h := newTestHandler(t, b)
	mux := h.NewMux()

	body := map[string]any{"created_at": "2024-01-01T00:00:00Z", "tombstone": true}
	buf, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPut, "/files/y/retention-policy", bytes.NewReader(buf))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200; body=%s", rec.Code, rec.Body.String())
	}

	getReq := httptest.NewRequest(http.MethodGet, "/files/y?created_at=2024-01-01T00:00:00Z", nil)
	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404 for a tombstoned uid", getRec.Code)
	}
}

func TestRetentionPolicyRejectsTombstoneAndDueDateTogether(t *testing.T) {
	b := memback.New("mem-1")
	h := newTestHandler(t, b)
	mux := h.NewMux()

	body := map[string]any{"created_at": "2024-01-01T00:00:00Z", "tombstone": true, "due_date": "2025-01-01T00:00:00Z"}
	buf, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPut, "/files/y/retention-policy", bytes.NewReader(buf))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	b := memback.New("mem-1")
	h := newTestHandler(t, b)
	mux := h.NewMux()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
}
