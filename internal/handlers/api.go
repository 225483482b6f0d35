package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/chat-web-ui/internal/models"
)

type apiError struct {
	Error string `json:"error"`
}

type createChatRequest struct {
	Title    string           `json:"title"`
	Messages []models.Message `json:"messages"`
}

type saveMessagesRequest struct {
	Messages *[]models.Message `json:"messages"`
}

const maxRequestBody = 1 << 20

// HandleListChats responds with every stored chat, newest first, without their messages.
func (m Main) HandleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := m.store.Chats(r.Context())
	if err != nil {
		m.logger.Error("Failed to get chats", slog.String(errLoggerKey, err.Error()))
		m.writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
		return
	}
	if chats == nil {
		chats = []models.Chat{}
	}
	m.writeJSON(w, http.StatusOK, chats)
}

// HandleCreateChat creates a chat from an optional JSON body with a title and initial messages.
func (m Main) HandleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		m.writeJSON(w, http.StatusBadRequest, apiError{Error: fmt.Sprintf("invalid body: %v", err)})
		return
	}
	if err := validateMessages(req.Messages); err != nil {
		m.writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
		return
	}

	c, err := m.store.AddChat(r.Context(), models.Chat{Title: req.Title, Messages: req.Messages})
	if err != nil {
		m.logger.Error("Failed to add chat", slog.String(errLoggerKey, err.Error()))
		m.writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
		return
	}
	m.writeJSON(w, http.StatusCreated, c)
}

// HandleGetChat responds with one chat and its messages.
func (m Main) HandleGetChat(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")

	c, err := m.store.Chat(r.Context(), chatID)
	if err != nil {
		m.writeStoreError(w, chatID, err)
		return
	}
	m.writeJSON(w, http.StatusOK, c)
}

// HandleSaveMessages replaces the messages of a chat with the "messages" list of the JSON body and
// responds with the saved chat.
func (m Main) HandleSaveMessages(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")

	var req saveMessagesRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		m.writeJSON(w, http.StatusBadRequest, apiError{Error: fmt.Sprintf("invalid body: %v", err)})
		return
	}
	if req.Messages == nil {
		m.writeJSON(w, http.StatusBadRequest, apiError{Error: "messages are required"})
		return
	}
	if err := validateMessages(*req.Messages); err != nil {
		m.writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
		return
	}

	c, err := m.store.SaveMessages(r.Context(), chatID, *req.Messages)
	if err != nil {
		m.writeStoreError(w, chatID, err)
		return
	}
	m.writeJSON(w, http.StatusOK, c)
}

func validateMessages(messages []models.Message) error {
	for i, msg := range messages {
		if !msg.Role.Valid() {
			return fmt.Errorf("message %d has invalid role %q", i, msg.Role)
		}
	}
	return nil
}

func (m Main) writeStoreError(w http.ResponseWriter, chatID string, err error) {
	if errors.Is(err, models.ErrChatNotFound) {
		m.writeJSON(w, http.StatusNotFound, apiError{Error: err.Error()})
		return
	}
	m.logger.Error("Chat store failed",
		slog.String("chatID", chatID),
		slog.String(errLoggerKey, err.Error()))
	m.writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
}

func (m Main) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to write response", slog.String(errLoggerKey, err.Error()))
	}
}
