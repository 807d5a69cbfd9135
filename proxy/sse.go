package proxy

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/duckcoding/proxyfleet/recorder"
)

// teeSSE forwards the upstream SSE byte stream to the client frame by
// frame while cloning every chunk into an accumulator buffer, mirroring
// the teacher's streamWithDisconnectDetection (handler/stream.go) but
// without its client-disconnect billing concern — token accounting here
// comes from the accumulated bytes, not chunk-count estimation. After the
// upstream closes, settleDelay gives any last buffered frames a chance to
// land before the recorder runs.
func teeSSE(w http.ResponseWriter, upstream io.Reader, settleDelay time.Duration) recorder.ParsedResponse {
	flusher, _ := w.(http.Flusher)

	var acc bytes.Buffer
	buf := make([]byte, 32*1024)
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			acc.Write(chunk)
			if _, werr := w.Write(chunk); werr != nil {
				// client disconnected; stop forwarding but keep whatever
				// we've accumulated so far for accounting.
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			break
		}
	}

	if settleDelay > 0 {
		time.Sleep(settleDelay)
	}

	if acc.Len() == 0 {
		return recorder.ParsedResponse{Kind: recorder.KindEmpty, ResponseType: "sse"}
	}
	return recorder.ParsedResponse{Kind: recorder.KindSSE, SSEBytes: acc.Bytes(), RawLen: acc.Len(), ResponseType: "sse"}
}

// teeJSON fully buffers the upstream body, forwards it to the client in
// one write, and hands the same bytes to the recorder.
func teeJSON(w http.ResponseWriter, upstream io.Reader) recorder.ParsedResponse {
	data, err := io.ReadAll(upstream)
	if err != nil {
		return recorder.ParsedResponse{Kind: recorder.KindParseError, ResponseType: "json", Err: err}
	}
	if len(data) > 0 {
		_, _ = w.Write(data)
	}
	if len(data) == 0 {
		return recorder.ParsedResponse{Kind: recorder.KindEmpty, ResponseType: "json"}
	}
	return recorder.ParsedResponse{Kind: recorder.KindJSON, JSONBytes: data, RawLen: len(data), ResponseType: "json"}
}
