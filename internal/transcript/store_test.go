package transcript_test

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/chat-web-ui/internal/models"
	"github.com/MegaGrindStone/chat-web-ui/internal/transcript"
)

type mockQuery struct {
	chunks []models.AnswerChunk
	err    error

	// block, if set, holds every call until it is closed or the call's context ends.
	block   chan struct{}
	started chan struct{}

	mu    sync.Mutex
	calls [][]models.Message
}

type mockPersister struct {
	err error

	mu    sync.Mutex
	calls []persistCall
}

type persistCall struct {
	chatID   string
	messages []models.Message
}

func (m *mockQuery) Query(ctx context.Context, messages []models.Message) iter.Seq2[models.AnswerChunk, error] {
	return func(yield func(models.AnswerChunk, error) bool) {
		m.mu.Lock()
		m.calls = append(m.calls, messages)
		m.mu.Unlock()

		if m.started != nil {
			m.started <- struct{}{}
		}
		if m.block != nil {
			select {
			case <-m.block:
			case <-ctx.Done():
				yield(models.AnswerChunk{}, ctx.Err())
				return
			}
		}

		if m.err != nil {
			yield(models.AnswerChunk{}, m.err)
			return
		}
		for _, c := range m.chunks {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func (m *mockQuery) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockPersister) SaveMessages(_ context.Context, chatID string, messages []models.Message) (models.Chat, error) {
	m.mu.Lock()
	m.calls = append(m.calls, persistCall{chatID: chatID, messages: messages})
	m.mu.Unlock()

	if m.err != nil {
		return models.Chat{}, m.err
	}
	return models.Chat{ID: chatID, Messages: messages}, nil
}

func (m *mockPersister) persisted() []persistCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

func berlinQuery() *mockQuery {
	return &mockQuery{
		chunks: []models.AnswerChunk{
			{Text: "Berlin", Sources: []models.Source{{URL: "https://example.com/berlin"}}},
		},
	}
}

func TestReset(t *testing.T) {
	tests := []struct {
		name     string
		greeting string
		want     models.Transcript
	}{
		{
			name: "Empty initial transcript",
			want: models.Transcript{Status: models.StatusIdle},
		},
		{
			name:     "Greeting initial transcript",
			greeting: "Hello, I am your virtual assistant. How can I help you?",
			want: models.Transcript{
				Messages: []models.Message{
					{Role: models.RoleAssistant, Content: "Hello, I am your virtual assistant. How can I help you?"},
				},
				Status: models.StatusIdle,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := transcript.New(berlinQuery(), nil, transcript.WithGreeting(tt.greeting))
			defer s.Close()

			if got := s.Transcript(); !got.Equal(tt.want) {
				t.Fatalf("initial Transcript() = %+v, want %+v", got, tt.want)
			}

			if err := s.Submit(context.Background(), "hi"); err != nil {
				t.Fatalf("Submit() error = %v", err)
			}

			for range 3 {
				s.Reset()
				if got := s.Transcript(); !got.Equal(tt.want) {
					t.Errorf("Transcript() after Reset() = %+v, want %+v", got, tt.want)
				}
			}
			if got := s.Sources(); len(got) != 0 {
				t.Errorf("Sources() after Reset() = %v, want empty", got)
			}
		})
	}
}

func TestReplace(t *testing.T) {
	s := transcript.New(berlinQuery(), nil)
	defer s.Close()

	want := models.Transcript{
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "Where can I study?"},
			{Role: models.RoleAssistant, Content: "Anywhere."},
		},
		Status: models.StatusError,
	}
	in := want.Clone()
	s.Replace(in)

	// Changing the argument afterwards must not leak into the store.
	in.Messages[0].Content = "changed"

	if got := s.Transcript(); !got.Equal(want) {
		t.Errorf("Transcript() = %+v, want %+v", got, want)
	}
}

func TestSubmitSuccess(t *testing.T) {
	q := berlinQuery()
	s := transcript.New(q, nil)
	defer s.Close()

	if err := s.Submit(context.Background(), "What is the capital of Germany?"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	want := []models.Message{
		{Role: models.RoleUser, Content: "What is the capital of Germany?"},
		{
			Role:    models.RoleAssistant,
			Content: "Berlin\n" + models.SourceDelimiter + "https://example.com/berlin" + models.SourceDelimiter,
		},
	}
	got := s.Transcript()
	if !slices.Equal(got.Messages, want) {
		t.Errorf("Transcript().Messages = %+v, want %+v", got.Messages, want)
	}
	if got.Status != models.StatusIdle {
		t.Errorf("Transcript().Status = %v, want %v", got.Status, models.StatusIdle)
	}
	if src := s.Sources(); !slices.Equal(src, []models.Source{{URL: "https://example.com/berlin"}}) {
		t.Errorf("Sources() = %v", src)
	}
	if a := s.StreamingAnswer(); a != "" {
		t.Errorf("StreamingAnswer() = %q, want empty", a)
	}

	if len(q.calls) != 1 || !slices.Equal(q.calls[0], want[:1]) {
		t.Errorf("query called with %+v, want full history %+v", q.calls, want[:1])
	}
}

func TestSubmitSendsFullHistory(t *testing.T) {
	q := &mockQuery{chunks: []models.AnswerChunk{{Text: "ok"}}}
	s := transcript.New(q, nil, transcript.WithGreeting("Hello"))
	defer s.Close()

	for _, text := range []string{"first", "second"} {
		if err := s.Submit(context.Background(), text); err != nil {
			t.Fatalf("Submit(%q) error = %v", text, err)
		}
	}

	want := []models.Message{
		{Role: models.RoleAssistant, Content: "Hello"},
		{Role: models.RoleUser, Content: "first"},
		{Role: models.RoleAssistant, Content: "ok"},
		{Role: models.RoleUser, Content: "second"},
	}
	if !slices.Equal(q.calls[1], want) {
		t.Errorf("second query messages = %+v, want %+v", q.calls[1], want)
	}
}

func TestSubmitFailure(t *testing.T) {
	q := &mockQuery{err: errors.New("connection refused")}
	s := transcript.New(q, nil)
	defer s.Close()

	err := s.Submit(context.Background(), "hi")
	if err == nil {
		t.Fatal("Submit() error = nil, want error")
	}
	if !errors.Is(err, q.err) {
		t.Errorf("Submit() error = %v, want wrapping %v", err, q.err)
	}

	want := []models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleSystem, Content: "connection refused"},
	}
	got := s.Transcript()
	if !slices.Equal(got.Messages, want) {
		t.Errorf("Transcript().Messages = %+v, want %+v", got.Messages, want)
	}
	if got.Status != models.StatusError {
		t.Errorf("Transcript().Status = %v, want %v", got.Status, models.StatusError)
	}

	// error is re-enterable
	q.err = nil
	q.chunks = []models.AnswerChunk{{Text: "recovered"}}
	if err := s.Submit(context.Background(), "again"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if got := s.Transcript(); got.Status != models.StatusIdle || len(got.Messages) != 4 {
		t.Errorf("Transcript() after recovery = %+v", got)
	}
}

func TestSubmitFailureMidStream(t *testing.T) {
	s := transcript.New(queryFunc(func(yield func(models.AnswerChunk, error) bool) {
		if !yield(models.AnswerChunk{Text: "partial"}, nil) {
			return
		}
		yield(models.AnswerChunk{}, errors.New("stream reset"))
	}), nil)
	defer s.Close()

	if err := s.Submit(context.Background(), "hi"); err == nil {
		t.Fatal("Submit() error = nil, want error")
	}
	if a := s.StreamingAnswer(); a != "" {
		t.Errorf("StreamingAnswer() = %q, want empty", a)
	}
	got := s.Transcript()
	if last := got.Messages[len(got.Messages)-1]; last.Role != models.RoleSystem || last.Content != "stream reset" {
		t.Errorf("last message = %+v, want system error", last)
	}
}

func TestSubmitEmptyQuery(t *testing.T) {
	q := berlinQuery()
	s := transcript.New(q, nil)
	defer s.Close()

	for _, text := range []string{"", "   ", "\n\t"} {
		if err := s.Submit(context.Background(), text); !errors.Is(err, transcript.ErrEmptyQuery) {
			t.Errorf("Submit(%q) error = %v, want %v", text, err, transcript.ErrEmptyQuery)
		}
	}
	if got := s.Transcript(); len(got.Messages) != 0 {
		t.Errorf("Transcript().Messages = %+v, want empty", got.Messages)
	}
	if q.callCount() != 0 {
		t.Errorf("query called %d times, want 0", q.callCount())
	}
}

func TestSubmitPersistence(t *testing.T) {
	tests := []struct {
		name       string
		activeChat string
		queryErr   error
		wantCalls  int
	}{
		{
			name:      "No active chat",
			wantCalls: 0,
		},
		{
			name:       "Active chat",
			activeChat: "chat-42",
			wantCalls:  1,
		},
		{
			name:       "Failed query is not saved",
			activeChat: "chat-42",
			queryErr:   errors.New("boom"),
			wantCalls:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := berlinQuery()
			q.err = tt.queryErr
			p := &mockPersister{}
			s := transcript.New(q, p, transcript.WithActiveChat(tt.activeChat))

			_ = s.Submit(context.Background(), "What is the capital of Germany?")
			s.Close()

			calls := p.persisted()
			if len(calls) != tt.wantCalls {
				t.Fatalf("SaveMessages() called %d times, want %d", len(calls), tt.wantCalls)
			}
			if tt.wantCalls == 0 {
				return
			}
			if calls[0].chatID != tt.activeChat {
				t.Errorf("SaveMessages() chatID = %q, want %q", calls[0].chatID, tt.activeChat)
			}
			if want := s.Transcript().Messages; !slices.Equal(calls[0].messages, want) {
				t.Errorf("SaveMessages() messages = %+v, want %+v", calls[0].messages, want)
			}
		})
	}
}

func TestSubmitPersistenceFailureIsSilent(t *testing.T) {
	p := &mockPersister{err: errors.New("database unavailable")}
	s := transcript.New(berlinQuery(), p)
	s.SetActiveChat("chat-42")

	if err := s.Submit(context.Background(), "hi"); err != nil {
		t.Fatalf("Submit() error = %v, want nil", err)
	}
	s.Close()

	if len(p.persisted()) != 1 {
		t.Fatalf("SaveMessages() called %d times, want 1", len(p.persisted()))
	}
	got := s.Transcript()
	if got.Status != models.StatusIdle || len(got.Messages) != 2 {
		t.Errorf("Transcript() = %+v, want untouched by persistence failure", got)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	s := transcript.New(berlinQuery(), nil)
	s.Close()

	if err := s.Submit(context.Background(), "hi"); !errors.Is(err, transcript.ErrClosed) {
		t.Errorf("Submit() error = %v, want %v", err, transcript.ErrClosed)
	}
}

func TestSubmitIsSerialized(t *testing.T) {
	q := &mockQuery{
		chunks:  []models.AnswerChunk{{Text: "answer"}},
		block:   make(chan struct{}),
		started: make(chan struct{}, 2),
	}
	s := transcript.New(q, nil)
	defer s.Close()

	errs := make(chan error, 2)
	go func() { errs <- s.Submit(context.Background(), "first") }()
	<-q.started

	go func() { errs <- s.Submit(context.Background(), "second") }()
	time.Sleep(20 * time.Millisecond)

	if got := s.Transcript(); len(got.Messages) != 1 || got.Status != models.StatusLoading {
		t.Fatalf("Transcript() while first query in flight = %+v", got)
	}

	close(q.block)
	for range 2 {
		if err := <-errs; err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	want := []models.Message{
		{Role: models.RoleUser, Content: "first"},
		{Role: models.RoleAssistant, Content: "answer"},
		{Role: models.RoleUser, Content: "second"},
		{Role: models.RoleAssistant, Content: "answer"},
	}
	if got := s.Transcript(); !slices.Equal(got.Messages, want) {
		t.Errorf("Transcript().Messages = %+v, want %+v", got.Messages, want)
	}
}

func TestSubmitWaitingCallHonorsContext(t *testing.T) {
	q := &mockQuery{
		chunks:  []models.AnswerChunk{{Text: "answer"}},
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	s := transcript.New(q, nil)
	defer s.Close()

	done := make(chan error, 1)
	go func() { done <- s.Submit(context.Background(), "first") }()
	<-q.started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Submit(ctx, "second"); !errors.Is(err, context.Canceled) {
		t.Errorf("Submit() error = %v, want %v", err, context.Canceled)
	}

	close(q.block)
	if err := <-done; err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if got := s.Transcript(); len(got.Messages) != 2 {
		t.Errorf("Transcript().Messages = %+v, want only the first exchange", got.Messages)
	}
}

func TestSubmitDiscardsStaleAnswer(t *testing.T) {
	q := berlinQuery()
	q.block = make(chan struct{})
	q.started = make(chan struct{}, 1)
	p := &mockPersister{}
	s := transcript.New(q, p, transcript.WithActiveChat("chat-1"))

	done := make(chan error, 1)
	go func() { done <- s.Submit(context.Background(), "hi") }()
	<-q.started

	other := models.Transcript{
		Messages: []models.Message{{Role: models.RoleUser, Content: "other chat"}},
		Status:   models.StatusIdle,
	}
	s.Replace(other)
	close(q.block)

	if err := <-done; !errors.Is(err, transcript.ErrStale) {
		t.Fatalf("Submit() error = %v, want %v", err, transcript.ErrStale)
	}
	s.Close()

	if got := s.Transcript(); !got.Equal(other) {
		t.Errorf("Transcript() = %+v, want %+v", got, other)
	}
	if len(p.persisted()) != 0 {
		t.Errorf("stale answer was saved")
	}
}

func TestSwitchWhileQueryInFlight(t *testing.T) {
	historyB := models.Transcript{
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "question for B"},
			{Role: models.RoleAssistant, Content: "answer for B"},
		},
		Status: models.StatusIdle,
	}

	tests := []struct {
		name       string
		switchTo   string
		transcript models.Transcript
	}{
		{name: "Open another chat", switchTo: "chat-B", transcript: historyB},
		{name: "Start a new chat", switchTo: "chat-C", transcript: models.Transcript{Status: models.StatusIdle}},
		{name: "Reset without chat", switchTo: "", transcript: models.Transcript{Status: models.StatusIdle}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &mockQuery{
				chunks:  []models.AnswerChunk{{Text: "old answer"}},
				block:   make(chan struct{}),
				started: make(chan struct{}, 1),
			}
			p := &mockPersister{}
			s := transcript.New(q, p, transcript.WithActiveChat("chat-A"))

			done := make(chan error, 1)
			go func() { done <- s.Submit(context.Background(), "question for A") }()
			<-q.started

			s.Switch(tt.switchTo, tt.transcript)
			close(q.block)

			if err := <-done; !errors.Is(err, transcript.ErrStale) {
				t.Fatalf("Submit() error = %v, want %v", err, transcript.ErrStale)
			}
			s.Close()

			if got := s.ActiveChat(); got != tt.switchTo {
				t.Errorf("ActiveChat() = %q, want %q", got, tt.switchTo)
			}
			if got := s.Transcript(); !got.Equal(tt.transcript) {
				t.Errorf("Transcript() = %+v, want %+v", got, tt.transcript)
			}
			if calls := p.persisted(); len(calls) != 0 {
				t.Errorf("SaveMessages() calls = %+v, want none", calls)
			}
		})
	}
}

func TestSwitchAfterAnswerSavesToPreviousChat(t *testing.T) {
	p := &mockPersister{}
	s := transcript.New(berlinQuery(), p, transcript.WithActiveChat("chat-A"))

	if err := s.Submit(context.Background(), "What is the capital of Germany?"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	s.Switch("chat-B", models.Transcript{Status: models.StatusIdle})
	s.Close()

	calls := p.persisted()
	if len(calls) != 1 || calls[0].chatID != "chat-A" || len(calls[0].messages) != 2 {
		t.Errorf("SaveMessages() calls = %+v, want one save of chat-A", calls)
	}
}

func TestSwitchBroadcastsOnce(t *testing.T) {
	s := transcript.New(berlinQuery(), nil)

	var got []models.Transcript
	cancel := s.Subscribe(func(tr models.Transcript) { got = append(got, tr) })
	defer cancel()

	want := models.Transcript{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
		Status:   models.StatusIdle,
	}
	s.Switch("chat-1", want)

	if len(got) != 2 || !got[1].Equal(want) {
		t.Errorf("broadcasts = %+v, want the initial transcript then %+v", got, want)
	}
}

func TestSubmitEmptyAnswer(t *testing.T) {
	p := &mockPersister{}
	s := transcript.New(&mockQuery{}, p, transcript.WithActiveChat("chat-1"))

	err := s.Submit(context.Background(), "hi")
	if !errors.Is(err, models.ErrMalformedResponse) {
		t.Fatalf("Submit() error = %v, want %v", err, models.ErrMalformedResponse)
	}
	s.Close()

	got := s.Transcript()
	if got.Status != models.StatusError || len(got.Messages) != 2 || got.Messages[1].Role != models.RoleSystem {
		t.Errorf("Transcript() = %+v, want the query followed by a system message", got)
	}
	if len(p.persisted()) != 0 {
		t.Errorf("failed query was saved")
	}
}

func TestSubscribe(t *testing.T) {
	s := transcript.New(&mockQuery{
		chunks: []models.AnswerChunk{
			{Sources: []models.Source{{URL: "https://example.com"}}},
			{Text: "Ber"},
			{Text: "lin"},
		},
	}, nil)
	defer s.Close()

	var (
		statuses  []models.Status
		streaming []string
		sources   [][]models.Source
	)
	cancelT := s.Subscribe(func(t models.Transcript) { statuses = append(statuses, t.Status) })
	cancelS := s.SubscribeStreaming(func(a string) { streaming = append(streaming, a) })
	cancelSrc := s.SubscribeSources(func(src []models.Source) { sources = append(sources, src) })

	if err := s.Submit(context.Background(), "capital?"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	wantStatuses := []models.Status{models.StatusIdle, models.StatusLoading, models.StatusIdle}
	if !slices.Equal(statuses, wantStatuses) {
		t.Errorf("transcript broadcasts = %v, want %v", statuses, wantStatuses)
	}
	wantStreaming := []string{"", "Ber", "Berlin", ""}
	if !slices.Equal(streaming, wantStreaming) {
		t.Errorf("streaming broadcasts = %q, want %q", streaming, wantStreaming)
	}
	if len(sources) != 2 || len(sources[0]) != 0 || !slices.Equal(sources[1], []models.Source{{URL: "https://example.com"}}) {
		t.Errorf("sources broadcasts = %v", sources)
	}

	cancelT()
	cancelS()
	cancelSrc()
	cancelT()

	s.Reset()
	if len(statuses) != len(wantStatuses) {
		t.Errorf("cancelled subscriber was called, got %d broadcasts", len(statuses))
	}
}

func TestSubscriberMayReadStore(t *testing.T) {
	s := transcript.New(berlinQuery(), nil)
	defer s.Close()

	var seen int
	cancel := s.Subscribe(func(models.Transcript) {
		seen = len(s.Transcript().Messages)
	})
	defer cancel()

	s.Append(models.Message{Role: models.RoleSystem, Content: "note"})
	if seen != 1 {
		t.Errorf("subscriber read %d messages, want 1", seen)
	}
}

func TestNamedMutations(t *testing.T) {
	s := transcript.New(berlinQuery(), nil, transcript.WithGreeting("Hello"))
	defer s.Close()

	var broadcasts int
	cancel := s.Subscribe(func(models.Transcript) { broadcasts++ })
	defer cancel()

	s.Append(models.Message{Role: models.RoleUser, Content: "note"})
	s.SetStatus(models.StatusMessage)
	s.SetStatus(models.StatusMessage)

	got := s.Transcript()
	if len(got.Messages) != 2 || got.Status != models.StatusMessage {
		t.Errorf("Transcript() = %+v", got)
	}

	s.Clear()
	if got := s.Transcript(); len(got.Messages) != 0 || got.Status != models.StatusIdle {
		t.Errorf("Transcript() after Clear() = %+v", got)
	}

	// initial, Append, first SetStatus, Clear
	if broadcasts != 4 {
		t.Errorf("broadcasts = %d, want 4", broadcasts)
	}
}

func TestActiveChat(t *testing.T) {
	s := transcript.New(berlinQuery(), nil)
	defer s.Close()

	if got := s.ActiveChat(); got != "" {
		t.Errorf("ActiveChat() = %q, want empty", got)
	}
	s.SetActiveChat("chat-7")
	if got := s.ActiveChat(); got != "chat-7" {
		t.Errorf("ActiveChat() = %q, want chat-7", got)
	}
}

type queryFunc func(yield func(models.AnswerChunk, error) bool)

func (f queryFunc) Query(context.Context, []models.Message) iter.Seq2[models.AnswerChunk, error] {
	return iter.Seq2[models.AnswerChunk, error](f)
}
