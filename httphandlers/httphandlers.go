package httphandlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go2tv.app/screenbeam/utils"
)

// DefaultMediaPath is the only path the media server answers on.
const DefaultMediaPath = "/video"

var errInvalidRange = errors.New("invalid range")

// MediaResource is the media currently offered to receivers. A resource
// is never mutated; SetResource swaps in a new one.
type MediaResource struct {
	ContentURI string
	MimeType   string
	Size       int64
}

// ContentOpener opens the content behind a MediaResource URI.
type ContentOpener interface {
	Open(uri string) (io.ReadCloser, error)
}

// FileOpener opens local paths and file:// URIs.
type FileOpener struct{}

// Open implements ContentOpener.
func (FileOpener) Open(uri string) (io.ReadCloser, error) {
	path := uri
	if strings.HasPrefix(uri, "file://") {
		u, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("FileOpener: %w", err)
		}
		path = u.Path
	}

	return os.Open(path)
}

// MediaOpener relays remote http(s) sources and opens everything else
// with FileOpener.
type MediaOpener struct{}

// Open implements ContentOpener. Closing the returned body ends the relay.
func (MediaOpener) Open(uri string) (io.ReadCloser, error) {
	if utils.IsStreamURL(uri) {
		return utils.StreamURL(context.Background(), uri)
	}

	return FileOpener{}.Open(uri)
}

// HTTPserver - new http.Server instance.
type HTTPserver struct {
	http      *http.Server
	Mux       *http.ServeMux
	MediaPath string
	Opener    ContentOpener
	Logger    zerolog.Logger

	resource atomic.Pointer[MediaResource]
	mu       sync.Mutex
	addr     string
}

// NewServer constractor generates a new HTTPserver type.
func NewServer(a string) *HTTPserver {
	mux := http.NewServeMux()
	srv := HTTPserver{
		http:      &http.Server{Addr: a, Handler: mux},
		Mux:       mux,
		MediaPath: DefaultMediaPath,
		Opener:    MediaOpener{},
		addr:      a,
	}

	return &srv
}

// SetResource makes r the media served from now on. Requests already
// in flight keep streaming the resource they started with.
func (s *HTTPserver) SetResource(r *MediaResource) {
	s.resource.Store(r)
}

// ClearResource stops offering any media.
func (s *HTTPserver) ClearResource() {
	s.resource.Store(nil)
}

// Resource returns the current resource, nil when none is set.
func (s *HTTPserver) Resource() *MediaResource {
	return s.resource.Load()
}

// StartServer listens and serves until StopServer is called. The listen
// outcome is reported on serverStarted before serving starts.
func (s *HTTPserver) StartServer(serverStarted chan<- error) {
	s.Mux.HandleFunc("/", s.ServeMediaHandler())

	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		serverStarted <- fmt.Errorf("server listen error: %w", err)
		return
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	serverStarted <- nil
	_ = s.http.Serve(ln)
}

// StopServer forcefully closes the HTTP server.
func (s *HTTPserver) StopServer() {
	s.http.Close()
}

// Addr returns the bound address once started, the configured one before.
func (s *HTTPserver) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.addr
}

// MediaURL is the URL receivers fetch the media from.
func (s *HTTPserver) MediaURL() string {
	return "http://" + s.Addr() + s.mediaPath()
}

func (s *HTTPserver) mediaPath() string {
	if s.MediaPath == "" {
		return DefaultMediaPath
	}
	return s.MediaPath
}

// ServeMediaHandler serves the current resource with byte range support.
func (s *HTTPserver) ServeMediaHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != s.mediaPath() {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}

		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		res := s.resource.Load()
		if res == nil {
			http.Error(w, "No video selected", http.StatusNotFound)
			return
		}

		s.serveResource(w, r, res)
	}
}

func (s *HTTPserver) serveResource(w http.ResponseWriter, r *http.Request, res *MediaResource) {
	mediaType := res.MimeType
	if mediaType == "" {
		mediaType = utils.DefaultMediaType
	}

	seekable := res.Size > 0

	w.Header()["transferMode.dlna.org"] = []string{"Streaming"}
	if r.Header.Get("getcontentFeatures.dlna.org") == "1" {
		w.Header()["contentFeatures.dlna.org"] = []string{utils.BuildContentFeatures(mediaType, seekable)}
	}
	w.Header().Set("Content-Type", mediaType)

	start, end, partial := int64(0), res.Size-1, false
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" && seekable {
		var err error
		start, end, err = parseRange(rangeHeader, res.Size)
		switch {
		case errors.Is(err, errInvalidRange):
			// Malformed ranges are ignored and the full body is served.
			start, end = 0, res.Size-1
		case err != nil:
			w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(res.Size, 10))
			http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
			return
		default:
			partial = true
		}
	}

	f, err := s.opener().Open(res.ContentURI)
	if err != nil {
		s.Logger.Error().Str("Method", "serveResource").Str("URI", res.ContentURI).Err(err).Msg("open failed")
		http.Error(w, "Error opening video: "+err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	if start > 0 {
		if err := skip(f, start); err != nil {
			s.Logger.Error().Str("Method", "serveResource").Str("URI", res.ContentURI).Int64("Start", start).Err(err).Msg("seek failed")
			http.Error(w, "Error seeking video: "+err.Error(), http.StatusInternalServerError)
			return
		}
	}

	if seekable {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	}

	status := http.StatusOK
	if partial {
		status = http.StatusPartialContent
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, res.Size))
	}
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return
	}

	var copyErr error
	if seekable {
		_, copyErr = io.CopyN(w, f, end-start+1)
	} else {
		_, copyErr = io.Copy(w, f)
	}

	if copyErr != nil {
		// Receivers drop connections all the time while seeking.
		s.Logger.Debug().Str("Method", "serveResource").Str("URI", res.ContentURI).Err(copyErr).Msg("copy interrupted")
	}
}

func (s *HTTPserver) opener() ContentOpener {
	if s.Opener == nil {
		return MediaOpener{}
	}
	return s.Opener
}

// parseRange parses a "bytes=<start>-[<end>]" header against a resource
// of the given size. Only the first range of a multi-range header is
// honoured. An omitted start means 0 and an omitted end means size-1;
// the end is clamped to the last byte.
func parseRange(header string, size int64) (int64, int64, error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok {
		return 0, 0, errInvalidRange
	}

	if first, _, found := strings.Cut(spec, ","); found {
		spec = first
	}

	startStr, endStr, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return 0, 0, errInvalidRange
	}

	start, end := int64(0), size-1

	if startStr = strings.TrimSpace(startStr); startStr != "" {
		v, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil || v < 0 {
			return 0, 0, errInvalidRange
		}
		start = v
	}

	if endStr = strings.TrimSpace(endStr); endStr != "" {
		v, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || v < 0 {
			return 0, 0, errInvalidRange
		}
		end = min(v, size-1)
	}

	if start >= size || start > end {
		return 0, 0, fmt.Errorf("range %q not satisfiable for %d bytes", header, size)
	}

	return start, end, nil
}

// skip advances r by n bytes, seeking when the reader allows it.
func skip(r io.Reader, n int64) error {
	if seeker, ok := r.(io.Seeker); ok {
		_, err := seeker.Seek(n, io.SeekStart)
		return err
	}

	skipped, err := io.CopyN(io.Discard, r, n)
	if err != nil {
		return err
	}
	if skipped != n {
		return io.ErrUnexpectedEOF
	}

	return nil
}
