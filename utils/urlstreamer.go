package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrBadStatus = errors.New("streamURL bad status code")
)

// No overall client timeout: relayed streams stay open for as long as
// the receiver keeps reading.
const (
	streamHTTPDialTimeout           = 5 * time.Second
	streamHTTPKeepAlive             = 30 * time.Second
	streamHTTPTLSHandshakeTimeout   = 5 * time.Second
	streamHTTPResponseHeaderTimeout = 10 * time.Second
	streamHTTPIdleConnTimeout       = 90 * time.Second
)

var streamHTTPClient = &http.Client{
	Transport: &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   streamHTTPDialTimeout,
			KeepAlive: streamHTTPKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   streamHTTPTLSHandshakeTimeout,
		ResponseHeaderTimeout: streamHTTPResponseHeaderTimeout,
		IdleConnTimeout:       streamHTTPIdleConnTimeout,
	},
}

// IsStreamURL reports whether uri points at a remote http(s) source.
func IsStreamURL(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}

	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func streamURLResponse(ctx context.Context, s string) (*http.Response, error) {
	if _, err := url.ParseRequestURI(s); err != nil {
		return nil, fmt.Errorf("streamURL failed to parse url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s, nil)
	if err != nil {
		return nil, fmt.Errorf("streamURL failed to call NewRequest: %w", err)
	}

	resp, err := streamHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("streamURL failed to client.Do: %w", err)
	}

	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}

	return resp, nil
}

func normalizeContentType(v string) string {
	if v == "" {
		return ""
	}

	if mt, _, err := mime.ParseMediaType(v); err == nil {
		return strings.ToLower(mt)
	}

	mt, _, _ := strings.Cut(v, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

func shouldSniffContentType(mediaType string) bool {
	switch mediaType {
	case "", "application/octet-stream", "binary/octet-stream", "text/plain":
		return true
	default:
		return false
	}
}

// StreamURL returns the response body for the media URL.
func StreamURL(ctx context.Context, s string) (io.ReadCloser, error) {
	resp, err := streamURLResponse(ctx, s)
	if err != nil {
		return nil, err
	}

	return resp.Body, nil
}

// StreamURLWithMime returns the stream body and its media type. The
// Content-Type header wins unless it is missing or generic, in which
// case the first bytes are sniffed. Sniffed bytes are not lost.
func StreamURLWithMime(ctx context.Context, s string) (io.ReadCloser, string, error) {
	resp, err := streamURLResponse(ctx, s)
	if err != nil {
		return nil, "", err
	}

	mediaType := normalizeContentType(resp.Header.Get("Content-Type"))
	if !shouldSniffContentType(mediaType) {
		return resp.Body, mediaType, nil
	}

	head := make([]byte, 261)
	n, err := io.ReadFull(resp.Body, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		resp.Body.Close()
		return nil, "", fmt.Errorf("streamURL failed to read body for mime detection: %w", err)
	}

	if sniffed, err := GetMimeDetailsFromReader(bytes.NewReader(head[:n])); err == nil {
		mediaType = sniffed
	} else if mediaType == "" {
		mediaType = DefaultMediaType
	}

	return struct {
		io.Reader
		io.Closer
	}{
		Reader: io.MultiReader(bytes.NewReader(head[:n]), resp.Body),
		Closer: resp.Body,
	}, mediaType, nil
}

// GetMimeDetailsFromURL probes a remote source for its media type.
func GetMimeDetailsFromURL(ctx context.Context, s string) (string, error) {
	body, mediaType, err := StreamURLWithMime(ctx, s)
	if err != nil {
		return "", fmt.Errorf("GetMimeDetailsFromURL: %w", err)
	}
	body.Close()

	return mediaType, nil
}
