package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// hopByHopHeaders are stripped in both directions per spec.md §4.5.
var hopByHopHeaders = []string{"Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade"}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// upstreamResponse is the fully-buffered result of proxying a request to
// a child, ready for the Dispatcher to relay or rewrite.
type upstreamResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// ErrUpstreamIO marks a network failure reaching the child, surfaced as
// 502 with the session left intact per spec.md §7.
type ErrUpstreamIO struct{ Cause error }

func (e *ErrUpstreamIO) Error() string { return fmt.Sprintf("upstream I/O error: %v", e.Cause) }
func (e *ErrUpstreamIO) Unwrap() error { return e.Cause }

// forward builds an outbound request to host:port+path carrying method,
// header and body, sends it with client, and buffers the full response.
// The Host header is rewritten to the child's own loopback authority;
// hop-by-hop headers are stripped from the outgoing request.
func forward(ctx context.Context, client *http.Client, host string, port int, method, path string, header http.Header, body []byte) (*upstreamResponse, error) {
	authority := fmt.Sprintf("%s:%d", host, port)
	url := fmt.Sprintf("http://%s%s", authority, path)

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = header.Clone()
	stripHopByHop(req.Header)
	req.Host = authority

	resp, err := client.Do(req)
	if err != nil {
		return nil, &ErrUpstreamIO{Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ErrUpstreamIO{Cause: err}
	}

	respHeader := resp.Header.Clone()
	stripHopByHop(respHeader)

	return &upstreamResponse{Status: resp.StatusCode, Header: respHeader, Body: respBody}, nil
}

// writeResponse relays an upstreamResponse to the client, fixing up
// Content-Length for whatever the final body ends up being (the caller
// may have rewritten it, e.g. for the create-session sessionId swap).
func writeResponse(w http.ResponseWriter, up *upstreamResponse, body []byte) {
	for key, values := range up.Header {
		if key == "Content-Length" {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	w.WriteHeader(up.Status)
	_, _ = w.Write(body)
}
