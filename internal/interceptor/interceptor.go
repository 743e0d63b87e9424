// Package interceptor sits at the network boundary between the collector's
// browser and the collections server. Requests go to the network first;
// when the server is unreachable the interceptor falls back to registered
// capture callbacks, then the response cache, then the offline page.
package interceptor

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"cobranzas/gateway/internal/broadcast"
	"cobranzas/gateway/internal/metrics"
	"cobranzas/gateway/internal/webcache"
)

// OfflineMarker tells the page it was served without the network, so its
// scripts can switch to local data and disable live-only controls.
const OfflineMarker = `<script>document.dispatchEvent(new Event('served-offline-page'))</script>`

// fallbackPage is served when not even the offline page made it into the
// cache before connectivity was lost.
const fallbackPage = `<!DOCTYPE html>
<html lang="es">
<head><meta charset="utf-8"><title>Sin conexión</title></head>
<body>
<h1>Sin conexión</h1>
<p>No hay conexión con el servidor y esta página no está disponible sin conexión.</p>
</body>
</html>`

const maxCaptureBody = 1 << 20

// Manifest lists what gets precached at startup and which routes are worth
// keeping fresh afterwards.
type Manifest struct {
	Version     int
	OfflinePath string
	Routes      []string
}

// Callback handles a request whose network attempt failed. It reports
// whether it produced a response.
type Callback func(w http.ResponseWriter, r *http.Request, body []byte) bool

type Handler struct {
	base      *url.URL
	client    *http.Client
	cache     webcache.Cache
	hub       *broadcast.Hub
	logger    *zap.Logger
	manifest  Manifest
	cacheable map[string]bool
	callbacks map[string]Callback
}

func New(baseURL string, timeout time.Duration, cache webcache.Cache, hub *broadcast.Hub, manifest Manifest, logger *zap.Logger) (*Handler, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	cacheable := make(map[string]bool, len(manifest.Routes)+1)
	for _, route := range manifest.Routes {
		cacheable[route] = true
	}
	if manifest.OfflinePath != "" {
		cacheable[manifest.OfflinePath] = true
	}
	return &Handler{
		base:      base,
		client:    &http.Client{Timeout: timeout},
		cache:     cache,
		hub:       hub,
		logger:    logger,
		manifest:  manifest,
		cacheable: cacheable,
		callbacks: make(map[string]Callback),
	}, nil
}

// Register installs a capture callback for one method and path.
func (h *Handler) Register(method, path string, cb Callback) {
	h.callbacks[method+" "+path] = cb
}

// Precache pulls the manifest routes into the cache and activates the
// manifest version, pruning entries left by older versions. Routes that
// cannot be fetched are skipped; precache is best effort.
func (h *Handler) Precache(ctx context.Context) error {
	paths := append([]string{h.manifest.OfflinePath}, h.manifest.Routes...)
	stored := 0
	for _, path := range paths {
		if path == "" {
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.upstreamURL(path), nil)
		if err != nil {
			return err
		}
		resp, err := h.client.Do(req)
		if err != nil {
			h.logger.Warn("precache fetch failed", zap.String("path", path), zap.Error(err))
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil || resp.StatusCode != http.StatusOK {
			h.logger.Warn("precache skipped route",
				zap.String("path", path),
				zap.Int("status", resp.StatusCode))
			continue
		}
		entry := &webcache.CachedResponse{
			Status:      resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Body:        body,
		}
		if err := h.cache.Put(ctx, path, entry); err != nil {
			return err
		}
		stored++
	}
	h.logger.Info("precache complete",
		zap.Int("version", h.manifest.Version),
		zap.Int("routes", stored))
	return h.cache.Activate(ctx)
}

func (h *Handler) upstreamURL(path string) string {
	u := *h.base
	u.Path = path
	return u.String()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if r.Body != nil && r.Method != http.MethodGet {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, maxCaptureBody))
		if err != nil {
			http.Error(w, "unreadable request body", http.StatusBadRequest)
			return
		}
		r.Body.Close()
	}

	resp, err := h.forward(r, body)
	if err != nil {
		h.hub.Observe(false)
		metrics.ProxiedRequests.WithLabelValues(classify(r), "offline").Inc()
		h.serveFallback(w, r, body)
		return
	}
	defer resp.Body.Close()

	h.hub.Observe(true)
	metrics.ProxiedRequests.WithLabelValues(classify(r), "online").Inc()
	h.relay(w, r, resp)
}

func (h *Handler) forward(r *http.Request, body []byte) (*http.Response, error) {
	target := *h.base
	target.Path = r.URL.Path
	target.RawQuery = r.URL.RawQuery

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), reader)
	if err != nil {
		return nil, err
	}
	req.Header = r.Header.Clone()
	return h.client.Do(req)
}

// relay copies the live response through and refreshes the cache entry for
// cacheable routes.
func (h *Handler) relay(w http.ResponseWriter, r *http.Request, resp *http.Response) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		http.Error(w, "upstream read failed", http.StatusBadGateway)
		return
	}

	if r.Method == http.MethodGet && resp.StatusCode == http.StatusOK && h.cacheable[r.URL.Path] {
		entry := &webcache.CachedResponse{
			Status:      resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Body:        body,
		}
		if err := h.cache.Put(r.Context(), r.URL.Path, entry); err != nil {
			h.logger.Warn("cache refresh failed", zap.String("path", r.URL.Path), zap.Error(err))
		}
	}

	for key, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
}

// serveFallback answers a request whose network attempt failed: callback,
// then cache, then offline page.
func (h *Handler) serveFallback(w http.ResponseWriter, r *http.Request, body []byte) {
	if cb, ok := h.callbacks[r.Method+" "+r.URL.Path]; ok {
		if cb(w, r, body) {
			return
		}
	}

	if r.Method == http.MethodGet {
		entry, ok, err := h.cache.Match(r.Context(), r.URL.Path)
		if err != nil {
			h.logger.Warn("cache lookup failed", zap.String("path", r.URL.Path), zap.Error(err))
		}
		if ok {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			h.writeCached(w, entry)
			return
		}
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	}

	h.ServeOfflinePage(w, r)
}

// ServeOfflinePage writes the cached offline page, or the built-in
// fallback when the cache never saw one. Both carry the offline marker.
func (h *Handler) ServeOfflinePage(w http.ResponseWriter, r *http.Request) {
	metrics.OfflinePages.Inc()
	entry, ok, err := h.cache.Match(r.Context(), h.manifest.OfflinePath)
	if err == nil && ok {
		h.writeCached(w, entry)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write(injectMarker([]byte(fallbackPage)))
}

func (h *Handler) writeCached(w http.ResponseWriter, entry *webcache.CachedResponse) {
	body := entry.Body
	if strings.Contains(entry.ContentType, "text/html") {
		body = injectMarker(body)
	}
	if entry.ContentType != "" {
		w.Header().Set("Content-Type", entry.ContentType)
	}
	status := entry.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(body)
}

// injectMarker places the offline marker just before </body>, or appends
// it when the document has no body close tag.
func injectMarker(body []byte) []byte {
	marker := []byte(OfflineMarker)
	if idx := bytes.LastIndex(body, []byte("</body>")); idx >= 0 {
		out := make([]byte, 0, len(body)+len(marker))
		out = append(out, body[:idx]...)
		out = append(out, marker...)
		out = append(out, body[idx:]...)
		return out
	}
	return append(append([]byte{}, body...), marker...)
}

func classify(r *http.Request) string {
	if r.Method == http.MethodGet {
		return "page"
	}
	return "form"
}
