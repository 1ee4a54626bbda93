package handler

import (
	"log/slog"
	"net/http"

	"github.com/starfederation/datastar-go/datastar"

	"github.com/msomdec/user-admin/internal/domain"
	"github.com/msomdec/user-admin/internal/service"
)

// EventsHandler streams session changes to open pages.
type EventsHandler struct {
	sessions *service.SessionManager
	done     <-chan struct{}
}

// NewEventsHandler creates a new EventsHandler. Open streams end when done
// is closed; a nil done keeps them open until the client leaves.
func NewEventsHandler(sessions *service.SessionManager, done <-chan struct{}) *EventsHandler {
	return &EventsHandler{sessions: sessions, done: done}
}

// HandleSessionEvents holds a Datastar stream open until the browser's
// session ends, then sends it to the login page. The stream closes when the
// client goes away or the server shuts down.
// GET /events/session
func (h *EventsHandler) HandleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	if sess == nil {
		redirectToLogin(w, r)
		return
	}

	ended := make(chan struct{}, 1)
	unsubscribe := h.sessions.Subscribe(func(ev domain.AuthEvent) {
		if ev.Key != sess.Key || ev.Kind != domain.AuthSignedOut {
			return
		}
		select {
		case ended <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	sse := datastar.NewSSE(w, r)
	select {
	case <-ended:
		if err := sse.Redirect("/login"); err != nil {
			slog.Error("redirect ended session", "error", err)
		}
	case <-r.Context().Done():
	case <-h.done:
	}
}
