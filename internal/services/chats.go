package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/chat-web-ui/internal/models"
)

// ChatsClient implements the Store interface against a remote chat history API. It is also the
// ChatPersister of transcripts whose chats live on that API.
type ChatsClient struct {
	baseURL string

	client *http.Client
}

type saveMessagesRequest struct {
	Messages []models.Message `json:"messages"`
}

type addChatRequest struct {
	Title string `json:"title"`
}

// NewChatsClient creates a new ChatsClient for the API rooted at baseURL. A nil client means
// http.DefaultClient.
func NewChatsClient(baseURL string, client *http.Client) ChatsClient {
	if client == nil {
		client = http.DefaultClient
	}
	return ChatsClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
	}
}

// Chats lists the chats known to the API.
func (c ChatsClient) Chats(ctx context.Context) ([]models.Chat, error) {
	var chats []models.Chat
	if err := c.do(ctx, http.MethodGet, "/api/chats", nil, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// Chat retrieves one chat with its messages.
func (c ChatsClient) Chat(ctx context.Context, chatID string) (models.Chat, error) {
	var chat models.Chat
	if err := c.do(ctx, http.MethodGet, chatPath(chatID), nil, &chat); err != nil {
		return models.Chat{}, err
	}
	return chat, checkChat(chat)
}

// AddChat creates a chat. The API assigns its ID.
func (c ChatsClient) AddChat(ctx context.Context, chat models.Chat) (models.Chat, error) {
	var created models.Chat
	if err := c.do(ctx, http.MethodPost, "/api/chats", addChatRequest{Title: chat.Title}, &created); err != nil {
		return models.Chat{}, err
	}
	return created, checkChat(created)
}

// SaveMessages replaces the messages of a chat and returns the saved chat.
func (c ChatsClient) SaveMessages(ctx context.Context, chatID string, messages []models.Message) (models.Chat, error) {
	var saved models.Chat
	err := c.do(ctx, http.MethodPost, chatPath(chatID)+"/messages", saveMessagesRequest{Messages: messages}, &saved)
	if err != nil {
		return models.Chat{}, err
	}
	return saved, checkChat(saved)
}

func chatPath(chatID string) string {
	return "/api/chats/" + url.PathEscape(chatID)
}

func checkChat(chat models.Chat) error {
	if chat.ID == "" {
		return fmt.Errorf("%w: chat without id", ErrMalformedResponse)
	}
	return nil
}

func (c ChatsClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("error marshaling request: %w", err)
		}
		r = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, models.ErrChatNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s %s returned %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}
