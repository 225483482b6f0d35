package handlers

import (
	"context"
	"errors"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"
	"time"

	chatwebui "github.com/MegaGrindStone/chat-web-ui"
	"github.com/MegaGrindStone/chat-web-ui/internal/metrics"
	"github.com/MegaGrindStone/chat-web-ui/internal/models"
	"github.com/MegaGrindStone/chat-web-ui/internal/transcript"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yuin/goldmark"
)

// Store defines the interface for managing chat persistence. It lists, reads and creates chats, and
// replaces the full message list of a chat. It doubles as the persister of every session transcript.
type Store interface {
	Chats(ctx context.Context) ([]models.Chat, error)
	Chat(ctx context.Context, chatID string) (models.Chat, error)
	AddChat(ctx context.Context, chat models.Chat) (models.Chat, error)
	SaveMessages(ctx context.Context, chatID string, messages []models.Message) (models.Chat, error)
}

// Main serves the chat web interface and the chat history API. Every browser session gets its own
// transcript store, whose changes are pushed to the browser through server-sent events.
type Main struct {
	templates *template.Template
	markdown  goldmark.Markdown

	query    transcript.QueryService
	store    Store
	greeting string

	sessions *sessions

	logger *slog.Logger
}

type sessions struct {
	mu   sync.Mutex
	byID map[string]*session

	// Sessions without a connected event stream are evicted once idle for longer than ttl.
	ttl time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures Main.
type Option func(*Main)

const (
	errLoggerKey = "err"

	defaultSessionTTL = 30 * time.Minute
)

// WithSessionTTL sets how long a session without a connected browser is kept. Non-positive values keep the
// default of 30 minutes.
func WithSessionTTL(ttl time.Duration) Option {
	return func(m *Main) {
		if ttl > 0 {
			m.sessions.ttl = ttl
		}
	}
}

// NewMain creates a new Main instance answering queries with query and keeping chats in store. A non-empty
// greeting starts every new transcript. It parses the required HTML templates from the embedded
// filesystem, and starts evicting idle sessions until Shutdown is called.
func NewMain(query transcript.QueryService, store Store, greeting string, logger *slog.Logger, opts ...Option) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		chatwebui.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	m := Main{
		templates: tmpl,
		markdown:  newMarkdown(),
		query:     query,
		store:     store,
		greeting:  greeting,
		sessions: &sessions{
			byID: map[string]*session{},
			ttl:  defaultSessionTTL,
			stop: make(chan struct{}),
		},
		logger: logger.With(slog.String("module", "handlers")),
	}
	for _, opt := range opts {
		opt(&m)
	}

	go m.evictIdleSessions()

	return m, nil
}

// Handler returns the router of the web interface, the chat history API, the static assets and the
// Prometheus metrics.
func (m Main) Handler() (http.Handler, error) {
	staticFS, err := fs.Sub(chatwebui.StaticFS, "static")
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))

	mux.HandleFunc("GET /{$}", m.HandleHome)
	mux.HandleFunc("/query", m.HandleQuery)
	mux.HandleFunc("POST /reset", m.HandleReset)
	mux.HandleFunc("POST /chats", m.HandleNewChat)
	mux.HandleFunc("POST /chats/{id}/open", m.HandleOpenChat)
	mux.HandleFunc("GET /sse", m.HandleSSE)

	mux.HandleFunc("GET /api/chats", m.HandleListChats)
	mux.HandleFunc("POST /api/chats", m.HandleCreateChat)
	mux.HandleFunc("GET /api/chats/{id}", m.HandleGetChat)
	mux.HandleFunc("POST /api/chats/{id}/messages", m.HandleSaveMessages)

	mux.Handle("GET /metrics", promhttp.Handler())

	return metrics.Middleware(mux), nil
}

// Shutdown closes every session: pending transcript saves are awaited, and the connected browsers are told
// to close their event streams. Sessions that don't finish within 5 seconds are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	m.sessions.stopOnce.Do(func() { close(m.sessions.stop) })

	m.sessions.mu.Lock()
	all := make([]*session, 0, len(m.sessions.byID))
	for id, s := range m.sessions.byID {
		all = append(all, s)
		delete(m.sessions.byID, id)
	}
	m.sessions.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	var errs []error
	for _, s := range all {
		if err := s.close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
