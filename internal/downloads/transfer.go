package downloads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/bryan-buckman/bookvore/internal/common"
)

const (
	partSuffix   = ".part"
	metaSuffix   = ".meta"
	copyBufSize  = 32 * 1024
	transferFail = "download failed"
)

// ProgressFunc receives the bytes written so far and the expected total.
// total is 0 while unknown.
type ProgressFunc func(written, total int64)

// TransferRequest describes one resumable transfer.
type TransferRequest struct {
	URL   string
	Dest  string
	Token string // bearer token, optional
}

// partMeta binds a .part file to the resource it holds the head of.
type partMeta struct {
	URL          string `json:"url"`
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"lastModified,omitempty"`
}

// ifRange returns the validator for an If-Range header: a strong ETag,
// else Last-Modified, else "".
func (m partMeta) ifRange() string {
	if m.ETag != "" && !strings.HasPrefix(m.ETag, "W/") {
		return m.ETag
	}
	return m.LastModified
}

func readPartMeta(path string) (partMeta, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return partMeta{}, false
	}
	var m partMeta
	if err := json.Unmarshal(raw, &m); err != nil || m.URL == "" {
		return partMeta{}, false
	}
	return m, true
}

func writePartMeta(path string, m partMeta) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

func discardPart(part string) {
	_ = os.Remove(part)
	_ = os.Remove(part + metaSuffix)
}

// Transfer downloads req.URL to req.Dest through a sibling .part file. An
// existing .part file is resumed with a Range request only when its sidecar
// names the same URL; If-Range makes a changed resource come back whole. A
// server that ignores the range restarts the file from zero. The .part file
// is kept on failure so a later call can resume it. It returns the bytes
// received by this call.
func Transfer(ctx context.Context, client Doer, req TransferRequest, progress ProgressFunc) (int64, error) {
	part := req.Dest + partSuffix
	metaPath := part + metaSuffix

	var offset int64
	meta, hasMeta := readPartMeta(metaPath)
	if fi, err := os.Stat(part); err == nil && fi.Mode().IsRegular() {
		if hasMeta && meta.URL == req.URL {
			offset = fi.Size()
		} else {
			// Another resource mapped to the same file name.
			discardPart(part)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("build download request: %w", err)
	}
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}
	if offset > 0 {
		httpReq.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
		if v := meta.ifRange(); v != "" {
			httpReq.Header.Set("If-Range", v)
		}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var (
		flags   = os.O_CREATE | os.O_WRONLY
		written int64
		total   int64
	)
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		start, size, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			discardPart(part)
			return 0, fmt.Errorf("server resumed at an unexpected offset: %w", common.ErrTransferFailed)
		}
		flags |= os.O_APPEND
		written = offset
		total = size
		if total <= 0 && resp.ContentLength >= 0 {
			total = offset + resp.ContentLength
		}
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		// The part file may already hold the whole body.
		if _, size, ok := parseContentRange(resp.Header.Get("Content-Range")); ok && size == offset {
			if progress != nil {
				progress(offset, offset)
			}
			if err := os.Rename(part, req.Dest); err != nil {
				return 0, err
			}
			_ = os.Remove(metaPath)
			return 0, nil
		}
		discardPart(part)
		return 0, &common.HTTPError{Op: transferFail, Status: resp.StatusCode}
	case common.IsSuccess(resp.StatusCode):
		flags |= os.O_TRUNC
		if resp.ContentLength > 0 {
			total = resp.ContentLength
		}
		if err := writePartMeta(metaPath, partMeta{
			URL:          req.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}); err != nil {
			return 0, fmt.Errorf("write %s: %w", metaPath, err)
		}
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, &common.HTTPError{Op: transferFail, Status: resp.StatusCode}
	}
	if total < 0 {
		total = 0
	}

	f, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", part, err)
	}

	received, copyErr := copyWithProgress(f, resp.Body, written, total, progress)
	if err := f.Close(); err != nil && copyErr == nil {
		copyErr = fmt.Errorf("close %s: %w", part, err)
	}
	if copyErr != nil {
		return received, copyErr
	}

	if total > 0 && written+received != total {
		return received, fmt.Errorf("received %d of %d bytes: %w", written+received, total, io.ErrUnexpectedEOF)
	}
	if err := os.Rename(part, req.Dest); err != nil {
		return received, fmt.Errorf("finalize %s: %w", req.Dest, err)
	}
	_ = os.Remove(metaPath)
	return received, nil
}

func copyWithProgress(dst io.Writer, src io.Reader, written, total int64, progress ProgressFunc) (int64, error) {
	buf := make([]byte, copyBufSize)
	var received int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return received, err
			}
			received += int64(n)
			if progress != nil {
				progress(written+received, total)
			}
		}
		if errors.Is(readErr, io.EOF) {
			return received, nil
		}
		if readErr != nil {
			return received, readErr
		}
	}
}

// parseContentRange reads "bytes start-end/size" and "bytes */size". size is
// -1 when the server sends "*".
func parseContentRange(v string) (start, size int64, ok bool) {
	v = strings.TrimSpace(v)
	rest, found := strings.CutPrefix(v, "bytes ")
	if !found {
		return 0, 0, false
	}
	rng, sz, found := strings.Cut(rest, "/")
	if !found {
		return 0, 0, false
	}

	size = -1
	if sz != "*" {
		n, err := strconv.ParseInt(sz, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		size = n
	}

	if rng == "*" {
		return 0, size, true
	}
	first, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return start, size, true
}
