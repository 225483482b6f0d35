package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/chat-web-ui/internal/metrics"
	"github.com/MegaGrindStone/chat-web-ui/internal/models"
	"github.com/MegaGrindStone/chat-web-ui/internal/transcript"
)

// HandleQuery submits the "message" form field as a query of the session transcript. The query is answered
// asynchronously: the handler responds with 202 Accepted right away, and the transcript updates reach the
// browser through the session's event stream.
func (m Main) HandleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if strings.TrimSpace(msg) == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	s := m.session(w, r)

	// The query outlives the request, but keeps its trace.
	ctx := context.WithoutCancel(r.Context())
	go func() {
		start := time.Now()
		err := s.transcript.Submit(ctx, msg)
		switch {
		case err == nil:
			metrics.ObserveQuery(metrics.OutcomeAnswered, start)
		case errors.Is(err, transcript.ErrClosed):
			metrics.ObserveQuery(metrics.OutcomeRejected, start)
			m.logger.Warn("Query submitted to a closed session", slog.String("session", s.id))
		case errors.Is(err, transcript.ErrStale):
			metrics.ObserveQuery(metrics.OutcomeRejected, start)
			m.logger.Info("Query answer discarded after a chat switch", slog.String("session", s.id))
		default:
			metrics.ObserveQuery(metrics.OutcomeFailed, start)
			m.logger.Error("Failed to answer query",
				slog.String("session", s.id),
				slog.String(errLoggerKey, err.Error()))
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

// HandleReset restores the initial transcript of the session and detaches it from its chat.
func (m Main) HandleReset(w http.ResponseWriter, r *http.Request) {
	s := m.session(w, r)
	s.transcript.Switch("", s.transcript.Initial())

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleNewChat creates an empty chat, makes it the active chat of the session and restores the initial
// transcript.
func (m Main) HandleNewChat(w http.ResponseWriter, r *http.Request) {
	s := m.session(w, r)

	c, err := m.store.AddChat(r.Context(), models.Chat{})
	if err != nil {
		m.logger.Error("Failed to add chat", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.transcript.Switch(c.ID, s.transcript.Initial())

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleOpenChat loads a saved chat into the session transcript and makes it the active chat.
func (m Main) HandleOpenChat(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	s := m.session(w, r)

	c, err := m.store.Chat(r.Context(), chatID)
	if err != nil {
		if errors.Is(err, models.ErrChatNotFound) {
			http.Error(w, "Chat not found", http.StatusNotFound)
			return
		}
		m.logger.Error("Failed to get chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.transcript.Switch(c.ID, models.Transcript{
		Messages: c.Messages,
		Status:   models.StatusIdle,
	})

	http.Redirect(w, r, "/", http.StatusSeeOther)
}
