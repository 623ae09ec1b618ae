package gateway

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/koltyakov/keyswap/internal/netutil"
)

const streamChunkSize = 32 * 1024

var streamChunkPool = sync.Pool{
	New: func() any {
		b := make([]byte, streamChunkSize)
		return &b
	},
}

// isStreamingResponse reports whether resp must be relayed as it arrives
// rather than buffered. HTTP/2 responses never report chunked transfer
// encoding, so any body of unknown length streams.
func isStreamingResponse(resp *http.Response) bool {
	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/event-stream") {
		return true
	}
	if slices.Contains(resp.TransferEncoding, "chunked") {
		return true
	}
	return resp.ContentLength < 0
}

// relay mirrors resp to w. Hop-by-hop headers are dropped in both modes.
func (s *Server) relay(w http.ResponseWriter, resp *http.Response, log *slog.Logger) {
	defer func() { _ = resp.Body.Close() }()

	header := resp.Header.Clone()
	netutil.RemoveHopByHopHeaders(header)
	header.Del(requestIDHeader)

	if isStreamingResponse(resp) {
		header.Del("Content-Length")
		netutil.CopyHeaders(w.Header(), header)
		w.WriteHeader(resp.StatusCode)
		s.streamBody(w, resp.Body, log)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Error("failed to read upstream body", "status", resp.StatusCode, "err", err)
		writeError(w, http.StatusBadGateway, msgUpstream, "upstream_failed")
		return
	}
	header.Set("Content-Length", strconv.Itoa(len(body)))
	netutil.CopyHeaders(w.Header(), header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

// streamBody writes and flushes every chunk as soon as it is read, until
// the upstream reaches EOF or the client goes away.
func (s *Server) streamBody(w http.ResponseWriter, body io.Reader, log *slog.Logger) {
	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return
	}

	bufRef := streamChunkPool.Get().(*[]byte)
	defer streamChunkPool.Put(bufRef)
	buf := *bufRef

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				log.Debug("client closed stream", "err", err)
				return
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				log.Debug("stream flush failed", "err", err)
				return
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				log.Warn("upstream stream interrupted", "err", readErr)
			}
			return
		}
	}
}
