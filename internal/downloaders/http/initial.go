package tafimhttp

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/tafim/internal/utils"
)

type ProbeResult struct {
	Size           int64
	RangeSupported bool
	FileName       string // from Content-Disposition, sanitized; empty when absent
}

// Probe fetches metadata only. Redirects are followed by the client. A HEAD
// that is refused or carries no length falls back to a one-byte ranged GET.
func Probe(ctx context.Context, client Doer, link string, timeout time.Duration) (ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, link, nil)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("%w: error creating request: %v", ErrProbeFailed, err)
	}
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := client.Do(req)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		log.Debug().Str("op", "http/initial").Msgf("HEAD refused with %d, probing with ranged GET", resp.StatusCode)
		return probeWithGet(ctx, client, link)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ProbeResult{}, fmt.Errorf("%w: server returned status %d", ErrProbeFailed, resp.StatusCode)
	}

	result := ProbeResult{
		RangeSupported: resp.Header.Get("Accept-Ranges") == "bytes",
		FileName:       fileNameFromHeader(resp.Header),
	}
	size, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil || size <= 0 {
		log.Debug().Str("op", "http/initial").Msg("HEAD carried no usable Content-Length, probing with ranged GET")
		fallback, ferr := probeWithGet(ctx, client, link)
		if ferr != nil {
			return ProbeResult{}, ferr
		}
		if fallback.FileName == "" {
			fallback.FileName = result.FileName
		}
		return fallback, nil
	}
	result.Size = size
	return result, nil
}

func probeWithGet(ctx context.Context, client Doer, link string) (ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("%w: error creating request: %v", ErrProbeFailed, err)
	}
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Range", "bytes=0-0")
	resp, err := client.Do(req)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	// The body is never read; closing drops at most one unread byte or the
	// connection for a full 200 response.
	defer resp.Body.Close()

	result := ProbeResult{FileName: fileNameFromHeader(resp.Header)}
	switch resp.StatusCode {
	case http.StatusPartialContent:
		total, err := totalFromContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return ProbeResult{}, fmt.Errorf("%w: %v", ErrProbeFailed, err)
		}
		result.Size = total
		result.RangeSupported = true
	case http.StatusOK:
		result.Size = resp.ContentLength
	default:
		return ProbeResult{}, fmt.Errorf("%w: server returned status %d", ErrProbeFailed, resp.StatusCode)
	}
	if result.Size <= 0 {
		return ProbeResult{}, fmt.Errorf("%w: server didn't provide a file size", ErrProbeFailed)
	}
	return result, nil
}

// totalFromContentRange parses "bytes a-b/total".
func totalFromContentRange(header string) (int64, error) {
	_, total, ok := strings.Cut(header, "/")
	if !ok || total == "*" {
		return 0, fmt.Errorf("unusable Content-Range %q", header)
	}
	return strconv.ParseInt(strings.TrimSpace(total), 10, 64)
}

// startFromContentRange parses the first offset of "bytes a-b/total".
func startFromContentRange(header string) (int64, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !ok {
		return 0, errors.New("missing bytes unit")
	}
	start, _, ok := strings.Cut(rest, "-")
	if !ok {
		return 0, errors.New("missing range separator")
	}
	return strconv.ParseInt(start, 10, 64)
}

func fileNameFromHeader(header http.Header) string {
	contentDisposition := header.Get("Content-Disposition")
	if contentDisposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentDisposition)
	if err != nil {
		return ""
	}
	if fn, ok := params["filename"]; ok && fn != "" {
		return utils.SanitizeFileName(fn)
	}
	// mime decodes RFC 5987 values into "filename" already; this covers
	// servers that send a bare UTF-8'' value the decoder rejected.
	if fn, ok := params["filename*"]; ok && strings.HasPrefix(fn, "UTF-8''") {
		unescaped, err := url.PathUnescape(strings.TrimPrefix(fn, "UTF-8''"))
		if err == nil {
			return utils.SanitizeFileName(unescaped)
		}
	}
	return ""
}
