package static

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func setupRoot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "file.txt"), []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestServesIndexForDirectory(t *testing.T) {
	h := NewHandler(setupRoot(t), nil, false)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "hello world" {
		t.Fatalf("expected index content, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestRejectsPathTraversal(t *testing.T) {
	h := NewHandler(setupRoot(t), nil, false)
	req := httptest.NewRequest(http.MethodGet, "/../../etc/passwd", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for traversal attempt, got %d", rec.Code)
	}
}

func TestConditionalGetReturns304(t *testing.T) {
	h := NewHandler(setupRoot(t), nil, false)
	req := httptest.NewRequest(http.MethodGet, "/sub/file.txt", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	etag := rec.Header().Get("ETag")

	req2 := httptest.NewRequest(http.MethodGet, "/sub/file.txt", nil)
	req2.Header.Set("If-None-Match", etag)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", rec2.Code)
	}
}

func TestRangeRequestReturnsPartialContent(t *testing.T) {
	h := NewHandler(setupRoot(t), nil, false)
	req := httptest.NewRequest(http.MethodGet, "/sub/file.txt", nil)
	req.Header.Set("Range", "bytes=0-3")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusPartialContent || rec.Body.String() != "0123" {
		t.Fatalf("expected partial content '0123', got %d %q", rec.Code, rec.Body.String())
	}
}

func TestListingDisabledReturns404(t *testing.T) {
	h := NewHandler(setupRoot(t), []string{"nonexistent.html"}, false)
	req := httptest.NewRequest(http.MethodGet, "/sub/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when listing disabled and no index, got %d", rec.Code)
	}
}
