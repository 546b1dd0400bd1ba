package transport

import (
	"sort"
	"sync"
)

// EventType discriminates Event.
type EventType int

const (
	EventReady EventType = iota
	EventAudioFrame
	EventSpeakerStart
	EventSpeakerStop
	EventDisconnect
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventReady:
		return "ready"
	case EventAudioFrame:
		return "audio_frame"
	case EventSpeakerStart:
		return "speaker_start"
	case EventSpeakerStop:
		return "speaker_stop"
	case EventDisconnect:
		return "disconnect"
	case EventError:
		return "error"
	}
	return "unknown"
}

// AudioFrame is decoded PCM from one remote participant.
type AudioFrame struct {
	ParticipantID string
	SampleRate    int
	Channels      int
	Samples       []int16
}

// Event is delivered to listeners registered with On. ParticipantID carries
// the wire-level identity for frame and speaker events.
type Event struct {
	Type          EventType
	ParticipantID string
	Frame         *AudioFrame
	Err           error
}

// Emitter fans events out to listeners synchronously on the emitting
// goroutine. Listeners must not block.
type Emitter struct {
	mu        sync.Mutex
	next      int
	listeners map[int]func(Event)
}

// On registers fn. The returned cancel is idempotent.
func (e *Emitter) On(fn func(Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[int]func(Event))
	}
	id := e.next
	e.next++
	e.listeners[id] = fn
	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Emit delivers ev to every listener registered at the time of the call, in
// registration order.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	fns := make([]func(Event), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, e.listeners[id])
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
