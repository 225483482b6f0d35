package transcript

import (
	"slices"

	"github.com/MegaGrindStone/chat-web-ui/internal/models"
)

type listener[T any] struct {
	id uint64
	fn func(T)
}

type listeners[T any] []listener[T]

func (ls listeners[T]) notify(v T) {
	for _, l := range ls {
		l.fn(v)
	}
}

func (ls listeners[T]) without(id uint64) listeners[T] {
	return slices.DeleteFunc(slices.Clone(ls), func(l listener[T]) bool { return l.id == id })
}

// Subscribe registers fn to be called with the transcript after every change. fn is called once with the
// current transcript before Subscribe returns. The returned function cancels the subscription.
func (s *Store) Subscribe(fn func(models.Transcript)) func() {
	return subscribe(s, &s.transcriptSub, fn, func() models.Transcript { return s.transcript.Clone() })
}

// SubscribeStreaming registers fn to be called with the streaming answer after every change, including
// when it is cleared. fn is called once with the current value before SubscribeStreaming returns.
func (s *Store) SubscribeStreaming(fn func(string)) func() {
	return subscribe(s, &s.streamingSub, fn, func() string { return s.streaming })
}

// SubscribeSources registers fn to be called with the sources whenever they are replaced. fn is called
// once with the current sources before SubscribeSources returns.
func (s *Store) SubscribeSources(fn func([]models.Source)) func() {
	return subscribe(s, &s.sourcesSub, fn, func() []models.Source { return slices.Clone(s.sources) })
}

// subscribe registers fn on ls and delivers the current value. current is called with the state lock held.
func subscribe[T any](s *Store, ls *listeners[T], fn func(T), current func() T) func() {
	s.broadcastMu.Lock()
	defer s.broadcastMu.Unlock()

	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	*ls = append(slices.Clone(*ls), listener[T]{id: id, fn: fn})
	v := current()
	s.mu.Unlock()

	fn(v)

	var once bool
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if once {
			return
		}
		once = true
		*ls = ls.without(id)
	}
}
