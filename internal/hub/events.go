package hub

import (
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/agentfleet/internal/domain"
)

// Events — SSE поток сессии. Первый кадр connected несёт текущий isActive и накопленный текст,
// дальше идут кадры событий и heartbeat. Отключение наблюдателя не трогает подписку на контейнер.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Сначала регистрируемся, потом берём снимок: кадры между ними не потеряются
	viewer, release := h.stream.Attach(sessionID)
	defer release()

	snap, err := h.stream.Snapshot(ctx, sessionID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", sse.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	log := h.logger.With(zap.String("session", sessionID))
	write := func(f domain.Frame) bool {
		if err := sse.Encode(w, sse.Event{Data: f}); err != nil {
			log.Debug("viewer write failed", zap.Error(err))
			return false
		}
		flusher.Flush()
		return true
	}

	if !write(snap) {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.closing:
			return
		case f, ok := <-viewer.Frames():
			if !ok {
				return
			}
			if !write(f) {
				return
			}
		case <-ticker.C:
			hb := domain.Frame{Type: domain.EventHeartbeat, SessionID: sessionID}
			if cur, err := h.stream.Snapshot(ctx, sessionID); err == nil {
				hb.IsActive = cur.IsActive
			}
			if !write(hb) {
				return
			}
		}
	}
}
