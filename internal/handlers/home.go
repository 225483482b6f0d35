package handlers

import (
	"log/slog"
	"net/http"
)

type homePageData struct {
	Chats      []chat
	Transcript transcriptData
}

// HandleHome renders the chat list and the transcript of the current session.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	s := m.session(w, r)

	chats, err := m.store.Chats(r.Context())
	if err != nil {
		m.logger.Error("Failed to get chats", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	activeID := s.transcript.ActiveChat()
	cs := make([]chat, len(chats))
	for i, c := range chats {
		cs[i] = chat{
			ID:     c.ID,
			Title:  c.Title,
			Active: c.ID == activeID,
		}
	}

	data := homePageData{
		Chats:      cs,
		Transcript: m.transcriptData(s.transcript.Transcript(), s.transcript.StreamingAnswer()),
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to render home page", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
