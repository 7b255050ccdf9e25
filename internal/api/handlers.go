package api

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"lernory/voice/internal/events"
	"lernory/voice/internal/sessions"
)

// Handlers serve the admin view over live sessions and their journal.
type Handlers struct {
	reg     *sessions.Registry
	journal *events.Journal
	log     logrus.FieldLogger
}

func NewHandlers(reg *sessions.Registry, j *events.Journal, log logrus.FieldLogger) *Handlers {
	return &Handlers{reg: reg, journal: j, log: log}
}

func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	list := h.reg.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(list),
		"sessions": list,
	})
}

func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request, id string) {
	sess, ok := h.reg.Get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// HandleEndSession asks the session's owner to tear it down; teardown itself
// happens asynchronously.
func (h *Handlers) HandleEndSession(w http.ResponseWriter, r *http.Request, id string) {
	if !h.reg.End(id) {
		http.NotFound(w, r)
		return
	}
	h.log.WithField("session_id", id).Info("session end requested via admin api")
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "session_id": id})
}

// HandleListEvents serves the journal of live and recently closed sessions.
func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request, id string) {
	if _, live := h.reg.Get(id); !live && !h.journal.Has(id) {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"events":     h.journal.List(id),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
