package interceptor

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"cobranzas/gateway/internal/domain"
	"cobranzas/gateway/internal/queue"
	"cobranzas/gateway/internal/upstream"
)

const queuedPage = `<!DOCTYPE html>
<html lang="es">
<head><meta charset="utf-8"><title>Cobranza guardada</title></head>
<body>
<h1>Cobranza guardada</h1>
<p>La cobranza se guardó localmente y se enviará al recuperar la conexión.</p>
</body>
</html>`

// RegisterCreateCapture wires the offline path for the collection form:
// when the POST cannot reach the server, the form is buffered in the queue
// and the collector gets the cached form page back.
func (h *Handler) RegisterCreateCapture(q *queue.Queue) {
	h.Register(http.MethodPost, upstream.CreatePath, func(w http.ResponseWriter, r *http.Request, body []byte) bool {
		sub, customerID, err := q.Enqueue(r.Context(), string(body))
		if err != nil {
			var verr *domain.ValidationError
			if errors.As(err, &verr) {
				http.Error(w, verr.Error(), http.StatusBadRequest)
				return true
			}
			h.logger.Error("offline capture failed", zap.Error(err))
			http.Error(w, "could not store collection locally", http.StatusInsufficientStorage)
			return true
		}

		h.logger.Info("collection captured offline",
			zap.Int("customer", customerID),
			zap.String("submission", sub.ID))

		entry, ok, err := h.cache.Match(r.Context(), r.URL.Path)
		if err == nil && ok {
			h.writeCached(w, entry)
			return true
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write(injectMarker([]byte(queuedPage)))
		return true
	})
}
