package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"time"

	"github.com/sony/gobreaker"

	"github.com/selfstart/selfstart/internal/clock"
	"github.com/selfstart/selfstart/internal/metrics"
	"github.com/selfstart/selfstart/internal/store"
)

// Hop-by-hop headers, stripped in both directions (RFC 7230 section 6.1).
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Proxy-Connection":    true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Proxy forwards one request to a backend of the named target and writes
// the backend's response. Retries go to other healthy backends, only on
// connection failures and breaker refusals; once response headers have
// arrived the response is committed and streamed as-is.
func (m *Manager) Proxy(w http.ResponseWriter, r *http.Request, targetName, path string) {
	m.mu.RLock()
	t, ok := m.targets[targetName]
	m.mu.RUnlock()
	if !ok {
		metrics.ProxyRequests.WithLabelValues(targetName, "unknown_target").Inc()
		http.Error(w, "proxy target not found", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read request body", http.StatusBadRequest)
		return
	}

	ip := clientIP(r)
	session := sessionID(r)
	m.requests.Add(1)
	t.requests.Add(1)
	if m.activity != nil {
		m.activity.RecordActivity(targetName)
	}

	tried := make(map[*Backend]bool)
	attempts := 0
	allRefused := true

	for {
		b := m.selectBackend(r.Context(), t, ip, session, tried)
		if b == nil {
			break
		}

		attempts++
		resp, err := m.forward(r.Context(), t, b, r, path, body, ip)
		if err == nil {
			m.pinSession(t, session, b)
			m.writeResponse(w, resp)
			metrics.ProxyRequests.WithLabelValues(targetName, "success").Inc()
			return
		}

		tried[b] = true
		refused := isRefusal(err)
		if !refused {
			allRefused = false
		}
		m.log.Warn("backend attempt failed", "target", targetName, "backend", b.Addr(), "refused", refused, "error", err)

		if attempts > t.cfg.MaxRetries {
			break
		}
		metrics.ProxyRetries.Inc()
		if !clock.Sleep(r.Context(), m.clock, retryDelay(&t.cfg)) {
			m.errors.Add(1)
			t.errors.Add(1)
			metrics.ProxyRequests.WithLabelValues(targetName, "cancelled").Inc()
			return
		}
	}

	m.errors.Add(1)
	t.errors.Add(1)
	switch {
	case attempts == 0:
		metrics.ProxyRequests.WithLabelValues(targetName, "no_backend").Inc()
		http.Error(w, "no healthy backends available", http.StatusServiceUnavailable)
	case allRefused:
		metrics.ProxyRequests.WithLabelValues(targetName, "refused").Inc()
		http.Error(w, "circuit open", http.StatusServiceUnavailable)
	default:
		metrics.ProxyRequests.WithLabelValues(targetName, "error").Inc()
		http.Error(w, "all backends failed", http.StatusBadGateway)
	}
}

// forward performs one attempt against one backend through its breaker.
// Transport failures count against the breaker; any received response,
// whatever its status, is a successful contact.
func (m *Manager) forward(ctx context.Context, t *target, b *Backend, r *http.Request, path string, body []byte, ip string) (*http.Response, error) {
	b.connections.Add(1)
	defer b.connections.Add(-1)

	url := b.URL() + path
	if q := r.URL.RawQuery; q != "" {
		url += "?" + q
	}

	start := m.clock.Now()
	res, err := b.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, r.Method, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		copyForwardHeaders(req, r, ip)
		resp, err := m.client.Do(req)
		if err != nil {
			return nil, err
		}
		return resp, nil
	})
	if err != nil {
		if !isRefusal(err) {
			b.failures.Add(1)
		}
		return nil, err
	}

	b.successes.Add(1)
	m.observe(t, b, m.clock.Since(start))
	return res.(*http.Response), nil
}

func (m *Manager) writeResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()
	hdr := w.Header()
	for k, vv := range resp.Header {
		if hopHeaders[textproto.CanonicalMIMEHeaderKey(k)] {
			continue
		}
		for _, v := range vv {
			hdr.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		m.log.Debug("response copy interrupted", "error", err)
	}
}

func (m *Manager) pinSession(t *target, session string, b *Backend) {
	if !t.cfg.StickySessions || session == "" {
		return
	}
	m.mu.Lock()
	m.sessions[session] = b.URL()
	m.mu.Unlock()
}

func copyForwardHeaders(out, in *http.Request, ip string) {
	for k, vv := range in.Header {
		if hopHeaders[textproto.CanonicalMIMEHeaderKey(k)] {
			continue
		}
		for _, v := range vv {
			out.Header.Add(k, v)
		}
	}
	out.Header.Set("X-Real-IP", ip)
	if prior := in.Header.Get("X-Forwarded-For"); prior != "" {
		out.Header.Set("X-Forwarded-For", prior+", "+ip)
	} else {
		out.Header.Set("X-Forwarded-For", ip)
	}
	proto := "http"
	if in.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)
}

// isRefusal reports whether the breaker refused without contacting the
// backend.
func isRefusal(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func retryDelay(cfg *store.ProxyTarget) time.Duration {
	return time.Duration(cfg.RetryDelay * float64(time.Second))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// sessionID extracts the sticky-session key: the X-Session-ID header
// wins, then the selfstart_session cookie.
func sessionID(r *http.Request) string {
	if sid := r.Header.Get("X-Session-ID"); sid != "" {
		return sid
	}
	if c, err := r.Cookie("selfstart_session"); err == nil {
		return c.Value
	}
	return ""
}
