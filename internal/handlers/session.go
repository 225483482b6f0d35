package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/chat-web-ui/internal/metrics"
	"github.com/MegaGrindStone/chat-web-ui/internal/models"
	"github.com/MegaGrindStone/chat-web-ui/internal/transcript"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// session is the state of one browser: its transcript and the event stream the transcript is pushed to.
type session struct {
	id         string
	transcript *transcript.Store
	sseSrv     *sse.Server

	unsubscribe []func()

	// Guarded by sessions.mu.
	lastSeen time.Time
	streams  int
}

const sessionCookie = "session_id"

// SSE event types for real-time updates.
const (
	transcriptSSEType = "transcript"
	streamingSSEType  = "streaming"
	closeSSEType      = "closeChat"
)

// session returns the session of the request, creating one and setting its cookie if the request has none
// or refers to an unknown one.
func (m Main) session(w http.ResponseWriter, r *http.Request) *session {
	m.sessions.mu.Lock()
	defer m.sessions.mu.Unlock()

	if s := m.lookupSession(r); s != nil {
		s.lastSeen = time.Now()
		return s
	}

	s := m.newSession(uuid.New().String())
	s.lastSeen = time.Now()
	m.sessions.byID[s.id] = s

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    s.id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return s
}

// lookupSession returns the session named by the request cookie, or nil. sessions.mu must be held.
func (m Main) lookupSession(r *http.Request) *session {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil
	}
	return m.sessions.byID[c.Value]
}

func (m Main) newSession(id string) *session {
	logger := m.logger.With(slog.String("session", id))

	s := &session{
		id: id,
		transcript: transcript.New(m.query, m.store,
			transcript.WithLogger(logger),
			transcript.WithGreeting(m.greeting),
		),
		sseSrv: &sse.Server{},
	}

	s.unsubscribe = append(s.unsubscribe,
		s.transcript.Subscribe(func(t models.Transcript) {
			var buf bytes.Buffer
			if err := m.templates.ExecuteTemplate(&buf, "transcript", m.transcriptData(t, "")); err != nil {
				logger.Error("Failed to render transcript", slog.String(errLoggerKey, err.Error()))
				return
			}
			s.publish(logger, transcriptSSEType, buf.String())
		}),
		s.transcript.SubscribeStreaming(func(answer string) {
			// JSON keeps the data non-empty when the answer is cleared.
			data, _ := json.Marshal(answer)
			s.publish(logger, streamingSSEType, string(data))
		}),
	)

	metrics.ActiveSessions.Inc()
	logger.Info("Session started")
	return s
}

func (s *session) publish(logger *slog.Logger, typ, data string) {
	msg := sse.Message{Type: sse.Type(typ)}
	msg.AppendData(data)
	if err := s.sseSrv.Publish(&msg); err != nil {
		logger.Error("Failed to publish event",
			slog.String("type", typ),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (s *session) close(ctx context.Context) error {
	for _, unsubscribe := range s.unsubscribe {
		unsubscribe()
	}
	s.transcript.Close()
	metrics.ActiveSessions.Dec()

	e := &sse.Message{Type: sse.Type(closeSSEType)}
	// SSE events must carry data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = s.sseSrv.Publish(e)

	if err := s.sseSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown session %s: %w", s.id, err)
	}
	return nil
}

// HandleSSE streams the transcript of the session to the browser as server-sent events. Sessions are
// created by the page, so a request without a known session gets 204 No Content, which tells the browser
// to stop reconnecting. A session is never evicted while its stream is connected.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sessions.mu.Lock()
	s := m.lookupSession(r)
	if s == nil {
		m.sessions.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.streams++
	m.sessions.mu.Unlock()

	defer func() {
		m.sessions.mu.Lock()
		defer m.sessions.mu.Unlock()
		s.streams--
		s.lastSeen = time.Now()
	}()

	s.sseSrv.ServeHTTP(w, r)
}

// evictIdleSessions closes the sessions that have been idle for longer than the session TTL, until
// Shutdown is called.
func (m Main) evictIdleSessions() {
	ticker := time.NewTicker(min(max(m.sessions.ttl/2, time.Millisecond), time.Minute))
	defer ticker.Stop()

	for {
		select {
		case <-m.sessions.stop:
			return
		case now := <-ticker.C:
			m.evictSessionsIdleSince(now.Add(-m.sessions.ttl))
		}
	}
}

func (m Main) evictSessionsIdleSince(cutoff time.Time) {
	m.sessions.mu.Lock()
	var idle []*session
	for id, s := range m.sessions.byID {
		if s.streams == 0 && s.lastSeen.Before(cutoff) {
			idle = append(idle, s)
			delete(m.sessions.byID, id)
		}
	}
	m.sessions.mu.Unlock()

	for _, s := range idle {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.close(ctx); err != nil {
			m.logger.Error("Failed to close idle session", slog.String(errLoggerKey, err.Error()))
		}
		cancel()
		m.logger.Info("Session evicted", slog.String("session", s.id))
	}
}
