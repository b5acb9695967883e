// Package proxy forwards an incoming request to a chosen backend instance
// and streams the backend's response back to the client, adapted from the
// net/http/httputil reverse-proxy pattern.
package proxy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/KevenLi8888/simple-load-balancer/internal/model"
)

// DefaultTimeout is the per-request upstream timeout applied when a
// Forwarder is built with a non-positive timeout.
const DefaultTimeout = 30 * time.Second

// chunkSize is the read/write buffer size used while streaming a backend's
// response body back to the client.
const chunkSize = 8 * 1024

// ErrUpstreamFailure wraps any error encountered while dialing or reading
// from the chosen backend instance. The router treats it as a signal to
// retry against a different instance.
var ErrUpstreamFailure = errors.New("proxy: upstream request failed")

var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, chunkSize)
		return &buf
	},
}

// hopByHopHeaders are stripped from the outbound request; they describe a
// single network hop and must not be forwarded across one.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// responseHeadersToStrip are dropped from the backend's response before it
// is relayed: Go's transport recomputes framing for the
// streamed body, so echoing the backend's own framing headers would lie to
// the client about how the body is being delivered.
var responseHeadersToStrip = []string{
	"Content-Encoding",
	"Content-Length",
	"Transfer-Encoding",
	"Connection",
}

// Forwarder sends a request to a backend instance and relays the response.
type Forwarder struct {
	client *http.Client
}

// NewForwarder builds a Forwarder whose outbound requests time out after
// timeout (DefaultTimeout if timeout is non-positive).
func NewForwarder(timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Forwarder{
		client: &http.Client{
			Timeout:   timeout,
			Transport: http.DefaultTransport,
		},
	}
}

// Forward builds an upstream request from r targeting instance and path,
// sends it, and streams the upstream response into w. It returns the
// upstream status code alongside ErrUpstreamFailure (wrapped with the
// underlying cause) if the backend could not be reached or the body could
// not be read; a backend that responds at all — even with a 5xx — is not a
// forwarding failure. The caller (the router) is responsible for treating a
// 5xx status as ineligible for sticky-session remember.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, instance *model.Instance, path string) (int, error) {
	url := fmt.Sprintf("http://%s/%s", instance.Addr, strings.TrimPrefix(path, "/"))

	outreq, err := http.NewRequestWithContext(r.Context(), r.Method, url, r.Body)
	if err != nil {
		return 0, fmt.Errorf("%w: building upstream request: %v", ErrUpstreamFailure, err)
	}
	outreq.Header = cloneHeader(r.Header)
	prepareRequestHeaders(outreq, r, instance)

	res, err := f.client.Do(outreq)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUpstreamFailure, err)
	}
	defer res.Body.Close()

	dst := w.Header()
	copyHeader(dst, res.Header)
	for _, h := range responseHeadersToStrip {
		dst.Del(h)
	}

	w.WriteHeader(res.StatusCode)
	if err := streamBody(w, res.Body); err != nil {
		return res.StatusCode, fmt.Errorf("%w: streaming response body: %v", ErrUpstreamFailure, err)
	}
	return res.StatusCode, nil
}

// prepareRequestHeaders strips hop-by-hop headers, sets Host to the
// backend's address, and rewrites the X-Forwarded-* chain.
func prepareRequestHeaders(outreq *http.Request, r *http.Request, instance *model.Instance) {
	h := outreq.Header
	for _, hdr := range hopByHopHeaders {
		h.Del(hdr)
	}
	outreq.Host = instance.Addr

	clientIP := r.Header.Get("X-Real-IP")
	if clientIP == "" {
		clientIP = remoteIP(r.RemoteAddr)
	}
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		h.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		h.Set("X-Forwarded-For", clientIP)
	}

	proto := "http"
	if r.TLS != nil || h.Get("X-Forwarded-Proto") == "https" {
		proto = "https"
	}
	h.Set("X-Forwarded-Proto", proto)

	if h.Get("X-Forwarded-Host") == "" {
		h.Set("X-Forwarded-Host", r.Host)
	}
}

// remoteIP strips the ephemeral port from a "host:port" peer address,
// matching spec §4.3 rule 3's bare-IP requirement. addr is returned
// unchanged if it has no port to split.
func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func cloneHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for k, vv := range src {
		cp := make([]string, len(vv))
		copy(cp, vv)
		dst[k] = cp
	}
	return dst
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// streamBody copies src to dst in chunkSize chunks, flushing after each one
// so large or slow responses reach the client incrementally rather than
// buffering in full.
func streamBody(dst http.ResponseWriter, src io.Reader) error {
	flusher, canFlush := dst.(http.Flusher)

	bufp := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufp)
	buf := *bufp

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}
