package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxer-voice-lab/internal/audio"
	"github.com/fluxer-voice-lab/internal/logging"
	"github.com/fluxer-voice-lab/internal/transport"
)

// participantState is the buffering state of one subscribed participant.
type participantState struct {
	sub        transport.Subscription
	requested  string
	resolved   string
	sampleRate int
	channels   int
	chunks     [][]int16
	total      int
	startedAt  time.Time
	lastMs     int
	collecting bool
	processing bool

	// matched is set once resolved is a live wire id; only unmatched
	// states are re-keyed by later events.
	matched bool
	// refs counts the requested ids aliased to this state.
	refs int
}

func (p *participantState) reset() {
	p.chunks = nil
	p.total = 0
	p.collecting = false
	p.startedAt = time.Time{}
}

// Session coordinates one target's subscriptions, buffering and serialized
// utterance processing.
type Session struct {
	target   Target
	settings Settings
	deps     Deps

	mu        sync.Mutex
	transport transport.Transport
	unlisten  func()
	states    map[string]*participantState
	aliases   map[string]string
	closed    bool

	queue   *TaskQueue
	misses  *logging.Sampler
	onClose func(*Session)
}

// NewSession binds a session for target to t.
func NewSession(target Target, t transport.Transport, settings Settings, deps Deps) *Session {
	ctx := logging.WithFields(context.Background(), logging.TargetFields(target.AccountID, target.GuildID, target.ChannelID)...)
	s := &Session{
		target:   target,
		settings: settings.withDefaults(),
		deps:     deps,
		states:   make(map[string]*participantState),
		aliases:  make(map[string]string),
		queue:    NewTaskQueue(ctx),
		misses:   logging.NewSampler(10 * time.Second),
	}
	s.bind(t)
	return s
}

// Target returns the session key.
func (s *Session) Target() Target { return s.target }

// Transport returns the transport the session is currently bound to.
func (s *Session) Transport() transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

func (s *Session) bind(t transport.Transport) {
	s.transport = t
	s.unlisten = t.On(s.handleEvent)
}

// Subscribe starts buffering participantID's audio and returns the active
// subscriptions.
func (s *Session) Subscribe(participantID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.transport.Kind() != transport.KindRTC {
		return nil, ErrRTCRequired
	}
	if _, ok := s.aliases[participantID]; ok {
		return s.activeLocked(), nil
	}
	resolved, matched := ResolveIdentity(participantID, s.transport.ParticipantIDs())
	if st, ok := s.states[resolved]; ok {
		st.refs++
		if matched {
			st.matched = true
		}
		s.aliases[participantID] = resolved
		logging.InfowCtx(s.queue.ctx, "pipeline: subscribed alias of existing participant", logging.ParticipantFields(participantID, resolved)...)
		return s.activeLocked(), nil
	}
	sub, err := s.transport.SubscribeParticipantAudio(resolved)
	if errors.Is(err, transport.ErrUnsupported) {
		return nil, ErrRTCRequired
	}
	if err != nil {
		return nil, err
	}
	s.states[resolved] = &participantState{
		sub:        sub,
		requested:  participantID,
		resolved:   resolved,
		matched:    matched,
		refs:       1,
		sampleRate: audio.SampleRate,
		channels:   1,
	}
	s.aliases[participantID] = resolved
	logging.InfowCtx(s.queue.ctx, "pipeline: subscribed", append(logging.ParticipantFields(participantID, resolved), "matched", matched)...)
	return s.activeLocked(), nil
}

// Unsubscribe stops participantID. empty reports whether the session has no
// participants left; the caller owns teardown in that case.
func (s *Session) Unsubscribe(participantID string) (active []string, empty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.aliases[participantID]
	if ok {
		delete(s.aliases, participantID)
		if st := s.states[key]; st != nil {
			st.refs--
			if st.refs > 0 {
				if st.requested == participantID {
					st.requested = s.firstAliasLocked(key)
				}
			} else {
				if st.sub != nil {
					st.sub.Stop()
				}
				delete(s.states, key)
			}
		}
	}
	return s.activeLocked(), len(s.states) == 0
}

// ActiveSubscriptions returns the caller-facing ids, sorted.
func (s *Session) ActiveSubscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked()
}

// firstAliasLocked returns the smallest requested id aliased to key.
func (s *Session) firstAliasLocked(key string) string {
	first := ""
	for requested, k := range s.aliases {
		if k == key && (first == "" || requested < first) {
			first = requested
		}
	}
	return first
}

// moveAliasesLocked points every alias of from at to.
func (s *Session) moveAliasesLocked(from, to string) {
	for requested, k := range s.aliases {
		if k == from {
			s.aliases[requested] = to
		}
	}
}

func (s *Session) activeLocked() []string {
	out := make([]string, 0, len(s.aliases))
	for requested := range s.aliases {
		out = append(out, requested)
	}
	sort.Strings(out)
	return out
}

// Rebind moves the session to a new transport after a server migration and
// re-subscribes every participant on it.
func (s *Session) Rebind(t transport.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.transport == t {
		return
	}
	if s.unlisten != nil {
		s.unlisten()
	}
	s.bind(t)
	old := s.states
	s.states = make(map[string]*participantState, len(old))
	live := t.ParticipantIDs()
	moved := make(map[string]string, len(old))
	oldKeys := make([]string, 0, len(old))
	for k := range old {
		oldKeys = append(oldKeys, k)
	}
	sort.Strings(oldKeys)
	for _, k := range oldKeys {
		st := old[k]
		if st.sub != nil {
			st.sub.Stop()
		}
		st.reset()
		resolved, matched := ResolveIdentity(st.requested, live)
		moved[k] = resolved
		if existing, ok := s.states[resolved]; ok {
			existing.refs += st.refs
			existing.matched = existing.matched || matched
			continue
		}
		sub, err := t.SubscribeParticipantAudio(resolved)
		if err != nil {
			logging.WarnwCtx(s.queue.ctx, "pipeline: resubscribe after migration failed", append(logging.ParticipantFields(st.requested, resolved), "err", err)...)
			sub = nil
		}
		st.sub = sub
		st.resolved = resolved
		st.matched = matched
		s.states[resolved] = st
	}
	for requested, k := range s.aliases {
		if to, ok := moved[k]; ok {
			s.aliases[requested] = to
		}
	}
	logging.InfowCtx(s.queue.ctx, "pipeline: session rebound", "participants", len(s.states))
}

// Close stops every subscription and drops queued work. A task already
// running finishes against whatever transport it captured.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.unlisten != nil {
		s.unlisten()
		s.unlisten = nil
	}
	for _, st := range s.states {
		if st.sub != nil {
			st.sub.Stop()
		}
	}
	s.states = make(map[string]*participantState)
	s.aliases = make(map[string]string)
	onClose := s.onClose
	s.mu.Unlock()

	s.queue.Close()
	if onClose != nil {
		onClose(s)
	}
}

// Wait blocks until queued processing has drained.
func (s *Session) Wait() { s.queue.Wait() }

// lookupLocked finds the state for a wire-level id. A state that has not
// yet matched a live participant is re-keyed onto the first wire id that
// resolves to it; matched states are never moved.
func (s *Session) lookupLocked(wireID string) *participantState {
	if st, ok := s.states[wireID]; ok {
		return st
	}
	keys := make([]string, 0, len(s.states))
	for k, st := range s.states {
		if !st.matched {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		st := s.states[k]
		if _, ok := ResolveIdentity(st.requested, []string{wireID}); !ok {
			continue
		}
		delete(s.states, k)
		st.resolved = wireID
		st.matched = true
		s.states[wireID] = st
		s.moveAliasesLocked(k, wireID)
		if st.sub != nil {
			st.sub.Stop()
		}
		if sub, err := s.transport.SubscribeParticipantAudio(wireID); err == nil {
			st.sub = sub
		} else {
			st.sub = nil
		}
		logging.InfowCtx(s.queue.ctx, "pipeline: participant identity resolved late", logging.ParticipantFields(st.requested, wireID)...)
		return st
	}
	return nil
}

func (s *Session) miss(wireID string, ev transport.EventType) {
	s.deps.metrics().IdentityMisses.Inc()
	if s.misses.Allow(wireID) {
		logging.DebugwCtx(s.queue.ctx, "pipeline: event for unsubscribed participant", "participant.identity", wireID, "event", ev.String())
	}
}

func (s *Session) handleEvent(ev transport.Event) {
	switch ev.Type {
	case transport.EventAudioFrame:
		s.onFrame(ev)
	case transport.EventSpeakerStart:
		s.onSpeakerStart(ev.ParticipantID)
	case transport.EventSpeakerStop:
		s.onSpeakerStop(ev.ParticipantID)
	case transport.EventDisconnect:
		logging.InfowCtx(s.queue.ctx, "pipeline: transport disconnected, closing session")
		s.Close()
	case transport.EventError:
		logging.WarnwCtx(s.queue.ctx, "pipeline: transport error", "participant.identity", ev.ParticipantID, "err", ev.Err)
	}
}

func (s *Session) onFrame(ev transport.Event) {
	if ev.Frame == nil || len(ev.Frame.Samples) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	st := s.lookupLocked(ev.ParticipantID)
	if st == nil {
		s.miss(ev.ParticipantID, ev.Type)
		return
	}
	if ev.Frame.SampleRate > 0 {
		st.sampleRate = ev.Frame.SampleRate
	}
	if ev.Frame.Channels > 0 {
		st.channels = ev.Frame.Channels
	}
	if !st.collecting {
		st.collecting = true
		st.startedAt = s.deps.now()
	}
	chunk := make([]int16, len(ev.Frame.Samples))
	copy(chunk, ev.Frame.Samples)
	st.chunks = append(st.chunks, chunk)
	st.total += len(chunk)
	s.evictLocked(st)
}

// evictLocked drops the oldest samples until the buffer fits the cap,
// trimming a partial chunk when needed.
func (s *Session) evictLocked(st *participantState) {
	limit := audio.SamplesFor(s.settings.MaxBufferMs, st.sampleRate) * st.channels
	for st.total > limit && len(st.chunks) > 0 {
		over := st.total - limit
		head := st.chunks[0]
		if len(head) <= over {
			st.chunks[0] = nil
			st.chunks = st.chunks[1:]
			st.total -= len(head)
			s.deps.metrics().BufferEvictions.Inc()
			continue
		}
		st.chunks[0] = head[over:]
		st.total -= over
	}
}

func (s *Session) onSpeakerStart(wireID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	st := s.lookupLocked(wireID)
	if st == nil {
		s.miss(wireID, transport.EventSpeakerStart)
		return
	}
	if !st.collecting {
		st.collecting = true
		st.startedAt = s.deps.now()
	}
}

func (s *Session) onSpeakerStop(wireID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	st := s.lookupLocked(wireID)
	if st == nil {
		s.miss(wireID, transport.EventSpeakerStop)
		return
	}
	if !st.collecting && st.total == 0 {
		return
	}
	elapsed := s.deps.now().Sub(st.startedAt)
	minSamples := audio.SamplesFor(s.settings.MinUtteranceMs, st.sampleRate) * st.channels
	fallback := time.Duration(s.settings.MinUtteranceFallbackMs) * time.Millisecond
	m := s.deps.metrics()
	if st.total < minSamples && elapsed < fallback {
		m.Utterances.WithLabelValues("discarded").Inc()
		logging.DebugwCtx(s.queue.ctx, "pipeline: utterance too short", append(logging.ParticipantFields(st.requested, st.resolved), append(logging.BufferFields(st.total, st.sampleRate), "elapsed_ms", elapsed.Milliseconds())...)...)
		st.reset()
		return
	}

	u := Utterance{
		ID:            uuid.NewString(),
		Target:        s.target,
		ParticipantID: st.requested,
		ResolvedID:    st.resolved,
		SampleRate:    st.sampleRate,
		Channels:      st.channels,
		Samples:       audio.Flatten(st.chunks),
		StartedAt:     st.startedAt,
		DurationMs:    audio.DurationMs(st.total/max(st.channels, 1), st.sampleRate),
	}
	st.lastMs = u.DurationMs
	st.reset()
	st.processing = true
	m.Utterances.WithLabelValues("accepted").Inc()
	m.UtteranceDuration.Observe(float64(u.DurationMs) / 1000)

	settings := s.settings
	s.queue.Enqueue(func(ctx context.Context) {
		s.runUtterance(ctx, st, settings, u)
	})
}

func (s *Session) runUtterance(ctx context.Context, st *participantState, settings Settings, u Utterance) {
	ctx = logging.WithFields(ctx, "utterance.id", u.ID, "participant.id", u.ParticipantID)
	started := time.Now()
	t := s.Transport()
	err := process(ctx, s.deps, settings, t, u)
	m := s.deps.metrics()
	m.ProcessingDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		stage := "unknown"
		var se *stageError
		if errors.As(err, &se) {
			stage = se.stage
		}
		m.ProcessingFailures.WithLabelValues(stage).Inc()
		logging.WarnwCtx(ctx, "pipeline: utterance processing failed", "stage", stage, "err", err)
	} else {
		logging.InfowCtx(ctx, "pipeline: utterance processed", "duration_ms", u.DurationMs, "elapsed_ms", time.Since(started).Milliseconds())
	}
	s.mu.Lock()
	st.processing = false
	s.mu.Unlock()
}

// ParticipantSnapshot describes one subscribed participant.
type ParticipantSnapshot struct {
	ParticipantID   string `json:"participantId"`
	ResolvedID      string `json:"resolvedId"`
	BufferedMs      int    `json:"bufferedMs"`
	Collecting      bool   `json:"collecting"`
	Processing      bool   `json:"processing"`
	LastUtteranceMs int    `json:"lastUtteranceMs"`
}

// Snapshot reports per-participant buffering state, sorted by participant.
func (s *Session) Snapshot() []ParticipantSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ParticipantSnapshot, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, ParticipantSnapshot{
			ParticipantID:   st.requested,
			ResolvedID:      st.resolved,
			BufferedMs:      audio.DurationMs(st.total/max(st.channels, 1), st.sampleRate),
			Collecting:      st.collecting,
			Processing:      st.processing,
			LastUtteranceMs: st.lastMs,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}
