package api

import (
	"net/http"
)

// AudioActivator performs the user gesture that enables sound.
type AudioActivator interface {
	ActivateAudio() error
}

// AudioHandler serves POST /api/audio/activate.
type AudioHandler struct {
	activator AudioActivator
}

func NewAudioHandler(a AudioActivator) *AudioHandler {
	return &AudioHandler{activator: a}
}

func (h *AudioHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.activator.ActivateAudio(); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"activated": true})
}
