package utils

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

var pngBytes = append([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, bytes.Repeat([]byte{1}, 300)...)

func TestStreamURLWithMime(t *testing.T) {
	tt := []struct {
		name        string
		contentType string
		body        []byte
		want        string
	}{
		{"header type", "video/mp4", []byte("stream-body"), "video/mp4"},
		{"header with params", "application/vnd.apple.mpegurl; charset=utf-8", []byte("#EXTM3U\n"), "application/vnd.apple.mpegurl"},
		{"generic header is sniffed", "text/plain", pngBytes, "image/png"},
		{"unknown body keeps generic header", "application/octet-stream", []byte("??"), "application/octet-stream"},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", tc.contentType)
				_, _ = w.Write(tc.body)
			}))
			defer s.Close()

			stream, mediaType, err := StreamURLWithMime(context.Background(), s.URL)
			if err != nil {
				t.Fatalf("StreamURLWithMime failed: %v", err)
			}
			defer stream.Close()

			if mediaType != tc.want {
				t.Fatalf("got mediaType %q, want %q", mediaType, tc.want)
			}

			got, err := io.ReadAll(stream)
			if err != nil {
				t.Fatalf("failed to read stream: %v", err)
			}

			if !bytes.Equal(got, tc.body) {
				t.Fatalf("stream body mismatch")
			}
		})
	}
}

func TestStreamURLBadStatus(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer s.Close()

	_, err := StreamURL(context.Background(), s.URL)
	if !errors.Is(err, ErrBadStatus) {
		t.Fatalf("StreamURL() error = %v, want ErrBadStatus", err)
	}
}

func TestIsStreamURL(t *testing.T) {
	tt := []struct {
		uri  string
		want bool
	}{
		{"http://10.0.0.9/clip.mp4", true},
		{"https://example.com/live", true},
		{"file:///tmp/clip.mp4", false},
		{"/tmp/clip.mp4", false},
		{"http://", false},
	}

	for _, tc := range tt {
		if got := IsStreamURL(tc.uri); got != tc.want {
			t.Errorf("IsStreamURL(%q) = %v, want %v", tc.uri, got, tc.want)
		}
	}
}
