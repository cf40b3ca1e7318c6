package utils

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestIsImageMIME(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"image/jpeg", true},
		{"IMAGE/PNG; charset=binary", true},
		{"audio/ogg", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := IsImageMIME(tc.in); got != tc.want {
			t.Fatalf("IsImageMIME(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}

func TestImageExtension(t *testing.T) {
	if got := ImageExtension("image/jpeg"); got != ".jpg" {
		t.Fatalf("jpeg ext = %q", got)
	}
	if got := ImageExtension("image/x-unknown"); got != ".img" {
		t.Fatalf("unknown ext = %q", got)
	}
}

func TestSanitizeFilename(t *testing.T) {
	if got := SanitizeFilename("../../etc/passwd"); got != "passwd" {
		t.Fatalf("SanitizeFilename = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello world", 8); got != "hello..." {
		t.Fatalf("Truncate = %q", got)
	}
	if got := Truncate("नमस्ते", 10); got != "नमस्ते" {
		t.Fatalf("short input changed: %q", got)
	}
}

func TestFetchBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer t" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte("PNGDATA"))
	}))
	defer srv.Close()

	data, err := FetchBytes(context.Background(), srv.URL, FetchOptions{
		ExtraHeaders: map[string]string{"Authorization": "Bearer t"},
	})
	if err != nil {
		t.Fatalf("FetchBytes: %v", err)
	}
	if string(data) != "PNGDATA" {
		t.Fatalf("body = %q", data)
	}

	if _, err := FetchBytes(context.Background(), srv.URL+"?token=secret", FetchOptions{}); err == nil {
		t.Fatal("expected status error")
	} else if strings.Contains(err.Error(), "secret") {
		t.Fatalf("error leaks query string: %v", err)
	}
}

func TestFetchBytesSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	_, err := FetchBytes(context.Background(), srv.URL, FetchOptions{MaxBytes: 16})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestRedactURL(t *testing.T) {
	got := redactURL("https://api.telegram.org/file/bot123:ABC/photos/file_1.jpg?x=1")
	if got != "https://api.telegram.org/file/bot<redacted>/photos/file_1.jpg" {
		t.Fatalf("redactURL = %q", got)
	}
}
