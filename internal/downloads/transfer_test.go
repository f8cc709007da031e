package downloads

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/bookvore/internal/common"
)

// rangeServer serves body with Range support and records the Range headers
// it receives.
type rangeServer struct {
	mu       sync.Mutex
	body     []byte
	etag     string // sent when set
	ranges   []string
	ifRanges []string
	auth     []string
}

func (rs *rangeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rs.mu.Lock()
	rs.ranges = append(rs.ranges, r.Header.Get("Range"))
	rs.ifRanges = append(rs.ifRanges, r.Header.Get("If-Range"))
	rs.auth = append(rs.auth, r.Header.Get("Authorization"))
	etag := rs.etag
	rs.mu.Unlock()
	w.Header().Set("Content-Type", "application/epub+zip")
	if etag != "" {
		w.Header().Set("ETag", etag)
	}
	http.ServeContent(w, r, "book.epub", time.Time{}, bytes.NewReader(rs.body))
}

func (rs *rangeServer) seenRanges() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]string(nil), rs.ranges...)
}

// seedPart leaves a partial download of url at dest, as an interrupted
// transfer would.
func seedPart(t *testing.T, dest, url string, data []byte, etag string) {
	t.Helper()
	require.NoError(t, os.WriteFile(dest+partSuffix, data, 0o644))
	require.NoError(t, writePartMeta(dest+partSuffix+metaSuffix, partMeta{URL: url, ETag: etag}))
}

func testBody(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}

func TestTransfer_Fresh(t *testing.T) {
	rs := &rangeServer{body: testBody(100 * 1024)}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "book.epub")
	var last, lastTotal int64
	n, err := Transfer(context.Background(), http.DefaultClient, TransferRequest{URL: srv.URL, Dest: dest, Token: "tok"},
		func(written, total int64) { last, lastTotal = written, total })
	require.NoError(t, err)

	assert.EqualValues(t, len(rs.body), n)
	assert.EqualValues(t, len(rs.body), last)
	assert.EqualValues(t, len(rs.body), lastTotal)
	assert.Equal(t, []string{""}, rs.seenRanges())
	assert.Equal(t, []string{"Bearer tok"}, rs.auth)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, rs.body, got)
	assert.NoFileExists(t, dest+partSuffix)
	assert.NoFileExists(t, dest+partSuffix+metaSuffix)
}

func TestTransfer_ResumesPartialFile(t *testing.T) {
	rs := &rangeServer{body: testBody(64 * 1024)}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "book.epub")
	const have = 10000
	seedPart(t, dest, srv.URL, rs.body[:have], "")

	var first int64 = -1
	n, err := Transfer(context.Background(), http.DefaultClient, TransferRequest{URL: srv.URL, Dest: dest},
		func(written, total int64) {
			if first < 0 {
				first = written
			}
			assert.EqualValues(t, len(rs.body), total)
		})
	require.NoError(t, err)

	assert.EqualValues(t, len(rs.body)-have, n)
	assert.Greater(t, first, int64(have))
	assert.Equal(t, []string{"bytes=" + strconv.Itoa(have) + "-"}, rs.seenRanges())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, rs.body, got)
}

func TestTransfer_RestartsWhenRangeIgnored(t *testing.T) {
	body := testBody(4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "book.pdf")
	seedPart(t, dest, srv.URL, []byte("stale bytes that must go"), "")

	_, err := Transfer(context.Background(), http.DefaultClient, TransferRequest{URL: srv.URL, Dest: dest}, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestTransfer_AlreadyComplete(t *testing.T) {
	rs := &rangeServer{body: testBody(2048)}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "book.epub")
	seedPart(t, dest, srv.URL, rs.body, "")

	_, err := Transfer(context.Background(), http.DefaultClient, TransferRequest{URL: srv.URL, Dest: dest}, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, rs.body, got)
}

func TestTransfer_PartFromAnotherResource(t *testing.T) {
	tests := []struct {
		name string
		part []byte
	}{
		{name: "shorter than the new body", part: bytes.Repeat([]byte("A"), 400)},
		{name: "same length as the new body", part: bytes.Repeat([]byte("A"), 1000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := &rangeServer{body: bytes.Repeat([]byte("B"), 1000)}
			srv := httptest.NewServer(rs)
			defer srv.Close()

			dest := filepath.Join(t.TempDir(), "download")
			seedPart(t, dest, srv.URL+"/api/file/7/download", tt.part, "")

			_, err := Transfer(context.Background(), http.DefaultClient,
				TransferRequest{URL: srv.URL + "/api/file/8/download", Dest: dest}, nil)
			require.NoError(t, err)

			assert.Equal(t, []string{""}, rs.seenRanges(), "a foreign part file is never resumed")
			got, err := os.ReadFile(dest)
			require.NoError(t, err)
			assert.Equal(t, rs.body, got)
			assert.NoFileExists(t, dest+partSuffix+metaSuffix)
		})
	}
}

func TestTransfer_PartWithoutSidecarRestarts(t *testing.T) {
	rs := &rangeServer{body: testBody(2048)}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "book.epub")
	require.NoError(t, os.WriteFile(dest+partSuffix, []byte("orphan"), 0o644))

	_, err := Transfer(context.Background(), http.DefaultClient, TransferRequest{URL: srv.URL, Dest: dest}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{""}, rs.seenRanges())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, rs.body, got)
}

func TestTransfer_IfRangeRestartsChangedResource(t *testing.T) {
	rs := &rangeServer{body: testBody(8192), etag: `"v2"`}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "book.epub")
	seedPart(t, dest, srv.URL, bytes.Repeat([]byte("x"), 1000), `"v1"`)

	_, err := Transfer(context.Background(), http.DefaultClient, TransferRequest{URL: srv.URL, Dest: dest}, nil)
	require.NoError(t, err)

	rs.mu.Lock()
	assert.Equal(t, []string{`"v1"`}, rs.ifRanges)
	rs.mu.Unlock()
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, rs.body, got)
}

func TestTransfer_IfRangeResumesUnchangedResource(t *testing.T) {
	rs := &rangeServer{body: testBody(8192), etag: `"v1"`}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "book.epub")
	seedPart(t, dest, srv.URL, rs.body[:1000], `"v1"`)

	n, err := Transfer(context.Background(), http.DefaultClient, TransferRequest{URL: srv.URL, Dest: dest}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, len(rs.body)-1000, n)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, rs.body, got)
}

func TestTransfer_FreshDownloadRecordsValidators(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc"`)
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write(testBody(10)) // cut short
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "book.epub")
	_, err := Transfer(context.Background(), http.DefaultClient, TransferRequest{URL: srv.URL, Dest: dest}, nil)
	require.Error(t, err)

	meta, ok := readPartMeta(dest + partSuffix + metaSuffix)
	require.True(t, ok)
	assert.Equal(t, partMeta{URL: srv.URL, ETag: `"abc"`}, meta)
	assert.Equal(t, `"abc"`, meta.ifRange())
	assert.Empty(t, partMeta{URL: srv.URL, ETag: `W/"weak"`}.ifRange())
}

func TestTransfer_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "missing.epub")
	_, err := Transfer(context.Background(), http.DefaultClient, TransferRequest{URL: srv.URL, Dest: dest}, nil)
	he, ok := common.AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, he.Status)
	assert.NoFileExists(t, dest)
}

func TestTransfer_UnknownLength(t *testing.T) {
	body := testBody(1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush() // forces chunked encoding, no Content-Length
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "book.bin")
	var totals []int64
	_, err := Transfer(context.Background(), http.DefaultClient, TransferRequest{URL: srv.URL, Dest: dest},
		func(_, total int64) { totals = append(totals, total) })
	require.NoError(t, err)

	require.NotEmpty(t, totals)
	for _, total := range totals {
		assert.Zero(t, total)
	}
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		in          string
		start, size int64
		ok          bool
	}{
		{"bytes 100-199/200", 100, 200, true},
		{"bytes 0-0/*", 0, -1, true},
		{"bytes */500", 0, 500, true},
		{"items 0-1/2", 0, 0, false},
		{"bytes 0-1", 0, 0, false},
		{"bytes x-1/2", 0, 0, false},
	}
	for _, tt := range tests {
		start, size, ok := parseContentRange(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		if tt.ok {
			assert.Equal(t, tt.start, start, tt.in)
			assert.Equal(t, tt.size, size, tt.in)
		}
	}
}
