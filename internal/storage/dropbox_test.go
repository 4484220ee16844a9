package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestDropbox(t *testing.T, handler http.HandlerFunc) *DropboxBackend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewDropboxBackend(srv.URL, srv.Client(), nil)
}

func TestDropboxDownload(t *testing.T) {
	b := newTestDropbox(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/2/files/download" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Dropbox-API-Arg"); got != `{"path":"/Listings/address.json"}` {
			t.Errorf("Dropbox-API-Arg = %q", got)
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		io.WriteString(w, `{"address":"1 Main St"}`)
	})

	data, err := b.Download(context.Background(), "tok", "/Listings/address.json")
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if string(data) != `{"address":"1 Main St"}` {
		t.Errorf("data = %q", data)
	}
}

func TestDropboxDownloadNotFound(t *testing.T) {
	b := newTestDropbox(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"error_summary":"path/not_found/..","error":{".tag":"path","path":{".tag":"not_found"}}}`)
	})

	_, err := b.Download(context.Background(), "tok", "/missing.json")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusConflict {
		t.Errorf("StatusCode = %d", apiErr.StatusCode)
	}
	if !apiErr.Structured {
		t.Error("expected structured error")
	}
	if apiErr.RateLimited() {
		t.Error("not_found must not be rate limited")
	}
}

func TestDropboxUploadArgs(t *testing.T) {
	var gotArg dropboxUploadArg
	var gotBody []byte
	b := newTestDropbox(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2/files/upload" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/octet-stream" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.Unmarshal([]byte(r.Header.Get("Dropbox-API-Arg")), &gotArg); err != nil {
			t.Errorf("bad Dropbox-API-Arg: %v", err)
		}
		gotBody, _ = io.ReadAll(r.Body)
		io.WriteString(w, `{"name":"a.jpg"}`)
	})

	err := b.Upload(context.Background(), "tok", "/photos/SIR/a.jpg", []byte("jpegbytes"), UploadOptions{Mute: true})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	want := dropboxUploadArg{Path: "/photos/SIR/a.jpg", Mode: "overwrite", Autorename: false, Mute: true}
	if gotArg != want {
		t.Errorf("arg = %+v, want %+v", gotArg, want)
	}
	if string(gotBody) != "jpegbytes" {
		t.Errorf("body = %q", gotBody)
	}
}

func TestDropboxUploadRateLimited(t *testing.T) {
	b := newTestDropbox(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error_summary":"too_many_write_operations/..","error":{"reason":{".tag":"too_many_write_operations"},"retry_after":2}}`)
	})

	err := b.Upload(context.Background(), "tok", "/a.json", []byte("{}"), UploadOptions{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if !apiErr.RateLimited() {
		t.Errorf("expected rate limited, reason=%q", apiErr.Reason)
	}
	if apiErr.Backoff() != 2*time.Second {
		t.Errorf("Backoff = %v, want 2s", apiErr.Backoff())
	}
	if !strings.Contains(apiErr.Body, "too_many_write_operations") {
		t.Errorf("Body = %q", apiErr.Body)
	}
}

func TestDropboxRateLimitWithoutRetryAfter(t *testing.T) {
	b := newTestDropbox(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error_summary":"too_many_requests/","error":{"reason":{".tag":"too_many_requests"}}}`)
	})

	err := b.Upload(context.Background(), "tok", "/a.json", nil, UploadOptions{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.Backoff() != DefaultRetryAfter {
		t.Errorf("Backoff = %v, want %v", apiErr.Backoff(), DefaultRetryAfter)
	}
}

func TestDropboxRetryAfterHeaderFallback(t *testing.T) {
	b := newTestDropbox(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error_summary":"too_many_requests/","error":{"reason":{".tag":"too_many_requests"}}}`)
	})

	err := b.Upload(context.Background(), "tok", "/a.json", nil, UploadOptions{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.Backoff() != 5*time.Second {
		t.Errorf("Backoff = %v, want 5s", apiErr.Backoff())
	}
}

func TestDropboxUnstructuredError(t *testing.T) {
	b := newTestDropbox(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "<html>bad gateway</html>")
	})

	err := b.Upload(context.Background(), "tok", "/a.json", nil, UploadOptions{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.Structured {
		t.Error("HTML body must not be structured")
	}
	if apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d", apiErr.StatusCode)
	}
}

func TestDropboxJSONWithoutErrorEnvelope(t *testing.T) {
	for _, body := range []string{`["oops"]`, `{"message":"bad"}`, `"text"`} {
		b := newTestDropbox(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, body)
		})

		err := b.Upload(context.Background(), "tok", "/a.json", nil, UploadOptions{})
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected *APIError for %s, got %T", body, err)
		}
		if apiErr.Structured {
			t.Errorf("body %s must not be structured", body)
		}
	}
}

func TestDropboxUploadEmptyFile(t *testing.T) {
	for _, data := range [][]byte{nil, {}} {
		var hits int
		b := newTestDropbox(t, func(w http.ResponseWriter, r *http.Request) {
			hits++
			body, _ := io.ReadAll(r.Body)
			if len(body) != 0 {
				t.Errorf("body = %q, want empty", body)
			}
			io.WriteString(w, `{"name":"empty.txt"}`)
		})

		if err := b.Upload(context.Background(), "tok", "/empty.txt", data, UploadOptions{}); err != nil {
			t.Fatalf("Upload(%#v): %v", data, err)
		}
		if hits != 1 {
			t.Errorf("Upload(%#v) made %d requests, want 1", data, hits)
		}
	}
}

func TestDropboxTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	b := NewDropboxBackend(url, nil, nil)
	_, err := b.Download(context.Background(), "tok", "/a.json")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		t.Errorf("transport failure must not be an APIError: %v", err)
	}
}

func TestAPIArgEscapesNonASCII(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/plain.jpg", `{"path":"/plain.jpg"}`},
		{"/café.jpg", `{"path":"/caf\u00e9.jpg"}`},
		{"/日本.png", `{"path":"/\u65e5\u672c.png"}`},
		{"/\U0001F3E0.jpg", `{"path":"/\ud83c\udfe0.jpg"}`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := apiArg(struct {
				Path string `json:"path"`
			}{tt.path})
			if err != nil {
				t.Fatalf("apiArg: %v", err)
			}
			if got != tt.want {
				t.Errorf("apiArg = %s, want %s", got, tt.want)
			}
			var back struct{ Path string }
			if err := json.Unmarshal([]byte(got), &back); err != nil || back.Path != tt.path {
				t.Errorf("round trip = %q, %v", back.Path, err)
			}
		})
	}
}
