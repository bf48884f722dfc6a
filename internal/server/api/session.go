package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/ayusman/handchoir/internal/store"
)

// SessionRecorder is the read side of the session recorder.
type SessionRecorder interface {
	SessionID() string
	Stats() (store.Stats, error)
	Export() ([]store.Event, error)
}

// SessionHandler serves /api/session/stats and /api/session/export.
type SessionHandler struct {
	recorder SessionRecorder
}

// NewSessionHandler creates a SessionHandler over the given recorder.
func NewSessionHandler(r SessionRecorder) *SessionHandler {
	return &SessionHandler{recorder: r}
}

type exportResponse struct {
	SessionID string        `json:"session_id"`
	Events    []store.Event `json:"events"`
}

func (h *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch strings.TrimPrefix(r.URL.Path, "/api/session/") {
	case "stats":
		h.stats(w, r)
	case "export":
		h.export(w, r)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *SessionHandler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.recorder.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read session stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *SessionHandler) export(w http.ResponseWriter, r *http.Request) {
	events, err := h.recorder.Export()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to export session")
		return
	}

	if r.URL.Query().Get("download") != "" {
		w.Header().Set("Content-Disposition",
			fmt.Sprintf(`attachment; filename="handchoir-%s.json"`, h.recorder.SessionID()))
	}
	writeJSON(w, http.StatusOK, exportResponse{
		SessionID: h.recorder.SessionID(),
		Events:    events,
	})
}
