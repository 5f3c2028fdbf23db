package tafimhttp

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/tafim/internal/utils"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

func generateData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i * 7) % 251)
	}
	return data
}

// rangeServer serves one resource with optional range support, injected
// failures and stalls.
type rangeServer struct {
	*httptest.Server
	data        []byte
	ranges      bool
	disposition string
	headStatus  int

	mu         sync.Mutex
	requests   []string      // Range headers of GET requests, "" when absent
	headers    []http.Header // headers of every request
	failures   map[int64]int // range start -> remaining 500 responses, -1 forever
	stallAfter int64         // bytes sent per response before blocking, 0 = never
	release    chan struct{}
}

func newRangeServer(t *testing.T, data []byte, ranges bool) *rangeServer {
	t.Helper()
	s := &rangeServer{
		data:     data,
		ranges:   ranges,
		failures: make(map[int64]int),
		release:  make(chan struct{}),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(func() {
		s.mu.Lock()
		select {
		case <-s.release:
		default:
			close(s.release)
		}
		s.mu.Unlock()
		s.Close()
	})
	return s
}

func (s *rangeServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.headers = append(s.headers, r.Header.Clone())
	headStatus, disposition := s.headStatus, s.disposition
	s.mu.Unlock()

	if disposition != "" {
		w.Header().Set("Content-Disposition", disposition)
	}
	if r.Method == http.MethodHead {
		if headStatus != 0 {
			w.WriteHeader(headStatus)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(s.data)))
		if s.ranges {
			w.Header().Set("Accept-Ranges", "bytes")
		}
		return
	}

	rangeHeader := r.Header.Get("Range")
	s.mu.Lock()
	s.requests = append(s.requests, rangeHeader)
	stallAfter := s.stallAfter
	s.mu.Unlock()

	if !s.ranges || rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.Itoa(len(s.data)))
		w.WriteHeader(http.StatusOK)
		s.write(w, r, s.data, stallAfter)
		return
	}

	byteRange := strings.TrimPrefix(rangeHeader, "bytes=")
	parts := strings.SplitN(byteRange, "-", 2)
	start, _ := strconv.ParseInt(parts[0], 10, 64)
	end, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || end >= int64(len(s.data)) {
		end = int64(len(s.data)) - 1
	}

	s.mu.Lock()
	remaining, failing := s.failures[start]
	if failing && remaining != 0 {
		if remaining > 0 {
			s.failures[start] = remaining - 1
		}
		s.mu.Unlock()
		http.Error(w, "injected failure", http.StatusInternalServerError)
		return
	}
	s.mu.Unlock()

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(s.data)))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	s.write(w, r, s.data[start:end+1], stallAfter)
}

func (s *rangeServer) write(w http.ResponseWriter, r *http.Request, body []byte, stallAfter int64) {
	if stallAfter <= 0 || stallAfter >= int64(len(body)) {
		w.Write(body)
		return
	}
	w.Write(body[:stallAfter])
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	select {
	case <-r.Context().Done():
		return
	case <-s.release:
	}
	w.Write(body[stallAfter:])
}

func (s *rangeServer) setStall(n int64) {
	s.mu.Lock()
	s.stallAfter = n
	s.mu.Unlock()
}

func (s *rangeServer) failRange(start int64, times int) {
	s.mu.Lock()
	s.failures[start] = times
	s.mu.Unlock()
}

func (s *rangeServer) rangeRequests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *rangeServer) sawRange(header string) bool {
	for _, r := range s.rangeRequests() {
		if r == header {
			return true
		}
	}
	return false
}

func testOptions(connections int) Options {
	return Options{
		Client:        utils.NewTafimHTTPClient(utils.HTTPClientConfig{ReadTimeout: 5 * time.Second}),
		Connections:   connections,
		TickInterval:  10 * time.Millisecond,
		ProbeTimeout:  5 * time.Second,
		ReadTimeout:   5 * time.Second,
		CancelTimeout: 2 * time.Second,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func assertFileEquals(t *testing.T, path string, want []byte) {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	if len(got) != len(want) {
		t.Fatalf("%s has %d bytes, want %d", path, len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("%s differs at byte %d", path, i)
		}
	}
}

func assertMissing(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected %s to be absent (err=%v)", path, err)
	}
}
