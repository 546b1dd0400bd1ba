package pipeline

import (
	"sort"
	"sync"

	"github.com/fluxer-voice-lab/internal/logging"
	"github.com/fluxer-voice-lab/internal/transport"
)

// Registry owns the responder sessions, one per target. Sessions are created
// on first subscribe and removed when they empty out or their transport
// disconnects.
type Registry struct {
	deps     Deps
	settings func(accountID string) Settings

	mu       sync.Mutex
	sessions map[Target]*Session
}

// NewRegistry returns an empty registry. settings may be nil.
func NewRegistry(deps Deps, settings func(accountID string) Settings) *Registry {
	if settings == nil {
		settings = func(string) Settings { return DefaultSettings }
	}
	return &Registry{deps: deps, settings: settings, sessions: make(map[Target]*Session)}
}

// Subscribe adds participantID to the target's session, creating it bound
// to t when needed.
func (r *Registry) Subscribe(target Target, t transport.Transport, participantID string) ([]string, error) {
	if t.Kind() != transport.KindRTC {
		return nil, ErrRTCRequired
	}
	r.mu.Lock()
	s := r.sessions[target]
	created := false
	if s == nil {
		s = NewSession(target, t, r.settings(target.AccountID), r.deps)
		s.onClose = r.forget
		r.sessions[target] = s
		created = true
	}
	r.mu.Unlock()

	if !created && s.Transport() != t {
		s.Rebind(t)
	}
	active, err := s.Subscribe(participantID)
	if err != nil && created {
		s.Close()
	}
	if err == nil && created {
		logging.Infow("pipeline: session created", logging.TargetFields(target.AccountID, target.GuildID, target.ChannelID)...)
	}
	return active, err
}

// Unsubscribe removes participantID and tears the session down when it was
// the last one.
func (r *Registry) Unsubscribe(target Target, participantID string) []string {
	r.mu.Lock()
	s := r.sessions[target]
	r.mu.Unlock()
	if s == nil {
		return []string{}
	}
	active, empty := s.Unsubscribe(participantID)
	if empty {
		s.Close()
	}
	return active
}

// Get returns the target's session or nil.
func (r *Registry) Get(target Target) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[target]
}

// Active returns the target's caller-facing subscriptions.
func (r *Registry) Active(target Target) []string {
	if s := r.Get(target); s != nil {
		return s.ActiveSubscriptions()
	}
	return []string{}
}

// Rebind points every session on old at its replacement.
func (r *Registry) Rebind(old, replacement transport.Transport) {
	for _, s := range r.snapshot() {
		if s.Transport() == old {
			s.Rebind(replacement)
		}
	}
}

// CloseGuild tears down all of an account's sessions in guildID.
func (r *Registry) CloseGuild(accountID, guildID string) {
	for _, s := range r.snapshot() {
		t := s.Target()
		if t.AccountID == accountID && t.GuildID == guildID {
			s.Close()
		}
	}
}

// CloseTarget tears down one session.
func (r *Registry) CloseTarget(target Target) {
	if s := r.Get(target); s != nil {
		s.Close()
	}
}

// CloseAll tears down every session.
func (r *Registry) CloseAll() {
	for _, s := range r.snapshot() {
		s.Close()
	}
}

// Targets lists targets with a live session, sorted.
func (r *Registry) Targets() []Target {
	r.mu.Lock()
	out := make([]Target, 0, len(r.sessions))
	for t := range r.sessions {
		out = append(out, t)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (r *Registry) snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) forget(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.target] == s {
		delete(r.sessions, s.target)
	}
}
