// Package transcript holds the client-side state of one chat session: the ordered transcript, the answer
// being accumulated for the query in flight, and the citations of the latest answer. Changes are broadcast
// to registered subscribers.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/MegaGrindStone/chat-web-ui/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// QueryService answers a query given the full message history. The returned iterator yields answer chunks
// in order; an error ends the answer.
type QueryService interface {
	Query(ctx context.Context, messages []models.Message) iter.Seq2[models.AnswerChunk, error]
}

// ChatPersister saves the full message list of a chat and returns the saved chat.
type ChatPersister interface {
	SaveMessages(ctx context.Context, chatID string, messages []models.Message) (models.Chat, error)
}

// Store is the transcript of one chat session. All methods are safe for concurrent use.
//
// Subscribers are called synchronously, in mutation order, while the store holds its broadcast lock. A
// subscriber may read the store or cancel its own subscription, but must not call a mutating method. The
// values handed to subscribers are shared between them and must not be modified.
type Store struct {
	query     QueryService
	persister ChatPersister
	logger    *slog.Logger
	tracer    trace.Tracer
	initial   models.Transcript

	// slot serializes Submit calls.
	slot chan struct{}
	// broadcastMu keeps a mutation and its broadcast together.
	broadcastMu sync.Mutex

	mu         sync.RWMutex
	transcript models.Transcript
	streaming  string
	sources    []models.Source
	activeChat string
	// generation is bumped by every wholesale overwrite, so in-flight answers can detect they are stale.
	generation uint64
	closed     bool

	nextSubID     uint64
	transcriptSub listeners[models.Transcript]
	streamingSub  listeners[string]
	sourcesSub    listeners[[]models.Source]

	saves sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

type changes uint8

const (
	changedTranscript changes = 1 << iota
	changedStreaming
	changedSources
)

const errLoggerKey = "err"

var (
	// ErrEmptyQuery is returned by Submit when the query text is blank.
	ErrEmptyQuery = errors.New("query text is empty")
	// ErrClosed is returned by Submit after the store is closed.
	ErrClosed = errors.New("transcript store is closed")
	// ErrStale is returned by Submit when the transcript was replaced while the query was in flight, so its
	// answer was discarded.
	ErrStale = errors.New("answer discarded: transcript was replaced")
)

// WithLogger sets the logger of the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger.With(slog.String("module", "transcript"))
	}
}

// WithTracer sets the tracer used to record a span per submitted query.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Store) {
		s.tracer = tracer
	}
}

// WithGreeting makes the initial transcript start with an assistant greeting. Reset restores it.
func WithGreeting(greeting string) Option {
	return func(s *Store) {
		if greeting == "" {
			return
		}
		s.initial.Messages = []models.Message{{Role: models.RoleAssistant, Content: greeting}}
	}
}

// WithActiveChat sets the chat the transcript is saved to after every answered query.
func WithActiveChat(chatID string) Option {
	return func(s *Store) {
		s.activeChat = chatID
	}
}

// New creates a Store answering queries with query. The persister may be nil, in which case transcripts
// are never saved, even with an active chat.
func New(query QueryService, persister ChatPersister, opts ...Option) *Store {
	s := &Store{
		query:     query,
		persister: persister,
		logger:    slog.New(slog.DiscardHandler),
		tracer:    otel.Tracer("github.com/MegaGrindStone/chat-web-ui/internal/transcript"),
		initial:   models.Transcript{Status: models.StatusIdle},
		slot:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.transcript = s.initial.Clone()
	return s
}

// Transcript returns a copy of the current transcript.
func (s *Store) Transcript() models.Transcript {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transcript.Clone()
}

// StreamingAnswer returns the answer accumulated so far for the query in flight.
func (s *Store) StreamingAnswer() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streaming
}

// Sources returns the citations of the latest answer.
func (s *Store) Sources() []models.Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.sources)
}

// ActiveChat returns the chat the transcript is saved to, or an empty string if there is none.
func (s *Store) ActiveChat() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeChat
}

// SetActiveChat sets the chat the transcript is saved to. An empty id disables saving.
func (s *Store) SetActiveChat(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeChat = chatID
}

// Submit appends the user query to the transcript and answers it. It blocks until the answer is committed,
// so callers that don't want to wait run it in its own goroutine. Calls are serialized: a call made while
// another is in flight waits for it, or returns the context error if ctx ends first.
//
// A failed query is recorded as a system message and the error is returned. An empty answer without sources
// counts as a failure with models.ErrMalformedResponse. An answer that arrives after the transcript was
// replaced, reset or switched is discarded and ErrStale is returned.
func (s *Store) Submit(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyQuery
	}

	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.slot }()

	ctx, span := s.tracer.Start(ctx, "transcript.Submit")
	defer span.End()

	var (
		gen      uint64
		messages []models.Message
		closed   bool
	)
	s.mutate(func() changes {
		if s.closed {
			closed = true
			return 0
		}
		s.transcript.Messages = append(s.transcript.Messages, models.Message{Role: models.RoleUser, Content: text})
		s.transcript.Status = models.StatusLoading
		gen = s.generation
		messages = slices.Clone(s.transcript.Messages)
		return changedTranscript
	})
	if closed {
		return ErrClosed
	}
	span.SetAttributes(attribute.Int("transcript.messages", len(messages)))

	var (
		sources  []models.Source
		queryErr error
	)
	for chunk, err := range s.query.Query(ctx, messages) {
		if err != nil {
			queryErr = err
			break
		}
		sources = append(sources, chunk.Sources...)
		if chunk.Text == "" {
			continue
		}
		s.mutate(func() changes {
			if s.generation != gen {
				return 0
			}
			s.streaming += chunk.Text
			return changedStreaming
		})
	}

	var (
		stale   bool
		chatID  string
		toSave  []models.Message
		persist bool
	)
	s.mutate(func() changes {
		if s.generation != gen {
			stale = true
			return 0
		}

		ch := changedTranscript
		if s.streaming != "" {
			ch |= changedStreaming
		}

		if queryErr == nil && s.streaming == "" && len(sources) == 0 {
			queryErr = fmt.Errorf("%w: empty answer", models.ErrMalformedResponse)
		}
		if queryErr != nil {
			s.streaming = ""
			s.transcript.Messages = append(s.transcript.Messages, models.Message{
				Role:    models.RoleSystem,
				Content: queryErr.Error(),
			})
			s.transcript.Status = models.StatusError
			return ch
		}

		s.transcript.Messages = append(s.transcript.Messages, models.Message{
			Role:    models.RoleAssistant,
			Content: models.FormatAnswer(s.streaming, sources),
		})
		s.transcript.Status = models.StatusIdle
		s.streaming = ""
		s.sources = sources

		chatID = s.activeChat
		if chatID != "" && s.persister != nil && !s.closed {
			persist = true
			toSave = slices.Clone(s.transcript.Messages)
			s.saves.Add(1)
		}
		return ch | changedSources
	})

	if stale {
		s.logger.Warn("Discarding answer of a replaced transcript", slog.Bool("failed", queryErr != nil))
		if queryErr != nil {
			span.RecordError(queryErr)
		}
		span.SetAttributes(attribute.Bool("transcript.stale", true))
		return ErrStale
	}
	if queryErr != nil {
		span.RecordError(queryErr)
		span.SetStatus(codes.Error, queryErr.Error())
		s.logger.Error("Query failed", slog.String(errLoggerKey, queryErr.Error()))
		return fmt.Errorf("query failed: %w", queryErr)
	}

	span.SetAttributes(attribute.String("chat.id", chatID), attribute.Int("answer.sources", len(sources)))
	if persist {
		go s.save(context.WithoutCancel(ctx), chatID, toSave)
	}

	return nil
}

func (s *Store) save(ctx context.Context, chatID string, messages []models.Message) {
	defer s.saves.Done()

	if _, err := s.persister.SaveMessages(ctx, chatID, messages); err != nil {
		s.logger.Error("Failed to save chat messages",
			slog.String("chatID", chatID),
			slog.Int("messages", len(messages)),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	s.logger.Debug("Saved chat messages", slog.String("chatID", chatID), slog.Int("messages", len(messages)))
}

// Replace overwrites the transcript with t in a single update. The streaming answer and the sources are
// cleared, and the answer of a query in flight will be discarded.
func (s *Store) Replace(t models.Transcript) {
	s.overwrite(t.Clone(), nil)
}

// Switch makes chatID the active chat and overwrites the transcript with t in the same update, so the answer
// of a query in flight can neither land in t nor be saved to chatID. An empty chatID disables saving.
func (s *Store) Switch(chatID string, t models.Transcript) {
	s.overwrite(t.Clone(), &chatID)
}

// Reset restores the initial transcript.
func (s *Store) Reset() {
	s.overwrite(s.initial.Clone(), nil)
}

// Initial returns a copy of the transcript the store starts with.
func (s *Store) Initial() models.Transcript {
	return s.initial.Clone()
}

// Clear empties the transcript and sets its status to idle.
func (s *Store) Clear() {
	s.overwrite(models.Transcript{Status: models.StatusIdle}, nil)
}

func (s *Store) overwrite(t models.Transcript, chatID *string) {
	s.mutate(func() changes {
		if chatID != nil {
			s.activeChat = *chatID
		}
		ch := changedTranscript
		if s.streaming != "" {
			ch |= changedStreaming
		}
		if s.sources != nil {
			ch |= changedSources
		}
		s.transcript = t
		s.streaming = ""
		s.sources = nil
		s.generation++
		return ch
	})
}

// Append appends msg to the transcript without changing its status.
func (s *Store) Append(msg models.Message) {
	s.mutate(func() changes {
		s.transcript.Messages = append(s.transcript.Messages, msg)
		return changedTranscript
	})
}

// SetStatus sets the status of the transcript.
func (s *Store) SetStatus(status models.Status) {
	s.mutate(func() changes {
		if s.transcript.Status == status {
			return 0
		}
		s.transcript.Status = status
		return changedTranscript
	})
}

// Close stops saving transcripts and waits for pending saves to finish. Submit fails with ErrClosed
// afterwards; the other methods keep working.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.saves.Wait()
}

// mutate applies fn under the state lock and broadcasts the channels it reports as changed.
func (s *Store) mutate(fn func() changes) {
	s.broadcastMu.Lock()
	defer s.broadcastMu.Unlock()

	s.mu.Lock()
	ch := fn()
	t := s.transcript.Clone()
	streaming := s.streaming
	sources := slices.Clone(s.sources)
	tSubs := slices.Clone(s.transcriptSub)
	stSubs := slices.Clone(s.streamingSub)
	srcSubs := slices.Clone(s.sourcesSub)
	s.mu.Unlock()

	if ch&changedTranscript != 0 {
		tSubs.notify(t)
	}
	if ch&changedStreaming != 0 {
		stSubs.notify(streaming)
	}
	if ch&changedSources != 0 {
		srcSubs.notify(sources)
	}
}
