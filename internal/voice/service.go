package voice

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/fluxer-voice-lab/internal/config"
	"github.com/fluxer-voice-lab/internal/logging"
	"github.com/fluxer-voice-lab/internal/pipeline"
	"github.com/fluxer-voice-lab/internal/transport"
)

// Client is an account's gateway session.
type Client interface {
	Gateway
	Directory
	Attach(m *Manager)
	Open(ctx context.Context) error
	Close() error
}

// ClientFactory opens the gateway client for an account.
type ClientFactory func(account config.Account) (Client, error)

func discordClientFactory(account config.Account) (Client, error) {
	return NewDiscordClient(account)
}

// ServiceOptions configure a Service.
type ServiceOptions struct {
	Config   *config.Config
	Registry *pipeline.Registry
	// NewClient defaults to a discordgo-backed client.
	NewClient ClientFactory
	// Manager options; OnMigrate is set by the Service.
	Manager Options
}

type accountClient struct {
	client  Client
	manager *Manager
	ready   chan struct{}
	err     error
}

// Service is the voice API exposed to the control surface. It keeps one
// gateway client and Manager per account.
type Service struct {
	cfg       *config.Config
	registry  *pipeline.Registry
	newClient ClientFactory
	mopts     Options

	mu       sync.Mutex
	accounts map[string]*accountClient
}

// NewService returns a Service with no clients open.
func NewService(o ServiceOptions) *Service {
	nc := o.NewClient
	if nc == nil {
		nc = discordClientFactory
	}
	return &Service{
		cfg:       o.Config,
		registry:  o.Registry,
		newClient: nc,
		mopts:     o.Manager,
		accounts:  make(map[string]*accountClient),
	}
}

// JoinResult is returned by Join.
type JoinResult struct {
	OK        bool   `json:"ok"`
	AccountID string `json:"accountId"`
	GuildID   string `json:"guildId"`
	ChannelID string `json:"channelId"`
}

func (r JoinResult) Text() string {
	return fmt.Sprintf("Joined voice channel %s in guild %s", r.ChannelID, r.GuildID)
}

// LeaveResult is returned by Leave.
type LeaveResult struct {
	OK        bool   `json:"ok"`
	AccountID string `json:"accountId"`
	GuildID   string `json:"guildId"`
}

func (r LeaveResult) Text() string {
	return fmt.Sprintf("Left voice channel in guild %s", r.GuildID)
}

// SubscriptionResult is returned by Subscribe and Unsubscribe.
type SubscriptionResult struct {
	OK                  bool     `json:"ok"`
	AccountID           string   `json:"accountId"`
	GuildID             string   `json:"guildId"`
	ChannelID           string   `json:"channelId"`
	UserID              string   `json:"userId"`
	ActiveSubscriptions []string `json:"activeSubscriptions"`
	subscribed          bool
}

func (r SubscriptionResult) Text() string {
	active := strings.Join(r.ActiveSubscriptions, ", ")
	if active == "" {
		active = "none"
	}
	if r.subscribed {
		return fmt.Sprintf("Subscribed to %s in %s. Active: %s", r.UserID, r.ChannelID, active)
	}
	return fmt.Sprintf("Unsubscribed %s in %s. Active: %s", r.UserID, r.ChannelID, active)
}

// StatusResult is returned by Status.
type StatusResult struct {
	AccountID        string `json:"accountId"`
	GuildID          string `json:"guildId"`
	UserID           string `json:"userId"`
	VoiceChannelID   string `json:"voiceChannelId,omitempty"`
	VoiceChannelName string `json:"voiceChannelName,omitempty"`
	BotConnected     bool   `json:"botConnected"`
}

func (r StatusResult) Text() string {
	location := "not in voice"
	if r.VoiceChannelID != "" {
		name := r.VoiceChannelName
		if name == "" {
			name = r.VoiceChannelID
		}
		location = fmt.Sprintf("%s (%s)", name, r.VoiceChannelID)
	}
	return fmt.Sprintf("User %s voice: %s; botConnected=%t", r.UserID, location, r.BotConnected)
}

// ensure returns the account's ready client, opening it on first use.
func (s *Service) ensure(ctx context.Context, accountID string) (string, *accountClient, error) {
	account := s.cfg.ResolveAccount(accountID)
	if !account.Configured() {
		return account.AccountID, nil, fmt.Errorf("%w for account %q", ErrNotConfigured, account.AccountID)
	}

	s.mu.Lock()
	ac := s.accounts[account.AccountID]
	if ac != nil {
		s.mu.Unlock()
		select {
		case <-ac.ready:
		case <-ctx.Done():
			return account.AccountID, nil, ctx.Err()
		}
		if ac.err != nil {
			return account.AccountID, nil, ac.err
		}
		return account.AccountID, ac, nil
	}
	ac = &accountClient{ready: make(chan struct{})}
	s.accounts[account.AccountID] = ac
	s.mu.Unlock()

	ac.err = s.open(ctx, account, ac)
	if ac.err != nil {
		s.mu.Lock()
		if s.accounts[account.AccountID] == ac {
			delete(s.accounts, account.AccountID)
		}
		s.mu.Unlock()
	}
	close(ac.ready)
	if ac.err != nil {
		return account.AccountID, nil, ac.err
	}
	return account.AccountID, ac, nil
}

func (s *Service) open(ctx context.Context, account config.Account, ac *accountClient) error {
	client, err := s.newClient(account)
	if err != nil {
		return err
	}
	opts := s.mopts
	prev := opts.OnMigrate
	opts.OnMigrate = func(old, replacement transport.Transport) {
		if s.registry != nil {
			s.registry.Rebind(old, replacement)
		}
		if prev != nil {
			prev(old, replacement)
		}
	}
	m := NewManager(client, opts)
	client.Attach(m)
	if err := client.Open(ctx); err != nil {
		_ = client.Close()
		return err
	}
	ac.client = client
	ac.manager = m
	logging.Infow("voice: account client ready", "account.id", account.AccountID)
	return nil
}

// Manager returns the account's Manager if its client is open.
func (s *Service) Manager(accountID string) *Manager {
	id := config.NormalizeAccountID(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()
	ac := s.accounts[id]
	if ac == nil {
		return nil
	}
	select {
	case <-ac.ready:
		return ac.manager
	default:
		return nil
	}
}

// Join connects the account to a voice channel.
func (s *Service) Join(ctx context.Context, accountID, guildID, channelID string) (JoinResult, error) {
	if err := requireParams("join", "guildId", guildID, "channelId", channelID); err != nil {
		return JoinResult{}, err
	}
	id, ac, err := s.ensure(ctx, accountID)
	if err != nil {
		return JoinResult{}, err
	}
	channelGuild, err := ac.client.ChannelGuild(ctx, channelID)
	if err != nil {
		if !errors.Is(err, ErrChannelNotFound) {
			err = fmt.Errorf("%w: %s: %v", ErrChannelNotFound, channelID, err)
		}
		return JoinResult{}, err
	}
	if channelGuild == "" {
		channelGuild = guildID
	}
	t, err := ac.manager.Join(ctx, channelGuild, channelID)
	if err != nil {
		return JoinResult{}, err
	}
	account := s.cfg.ResolveAccount(id)
	t.SetVolume(account.Config.Voice.PlaybackVolume())
	return JoinResult{OK: true, AccountID: id, GuildID: channelGuild, ChannelID: channelID}, nil
}

// connectedGuild is the guild the account's connection to channelID lives
// in, which may differ from the guild a caller named. It falls back to
// guildID when the account holds no connection to the channel.
func connectedGuild(ac *accountClient, guildID, channelID string) string {
	if t := ac.manager.Connection(channelID); t != nil && t.ChannelID() == channelID && t.GuildID() != "" {
		return t.GuildID()
	}
	return guildID
}

// Leave disconnects the account from every channel in guildID and closes
// their responder sessions.
func (s *Service) Leave(ctx context.Context, accountID, guildID string) (LeaveResult, error) {
	if err := requireParams("leave", "guildId", guildID); err != nil {
		return LeaveResult{}, err
	}
	id, ac, err := s.ensure(ctx, accountID)
	if err != nil {
		return LeaveResult{}, err
	}
	if s.registry != nil {
		s.registry.CloseGuild(id, guildID)
	}
	if err := ac.manager.Leave(guildID); err != nil {
		return LeaveResult{}, err
	}
	return LeaveResult{OK: true, AccountID: id, GuildID: guildID}, nil
}

// Subscribe starts the responder pipeline for userID in channelID, joining
// the channel first when the account is not connected to it.
func (s *Service) Subscribe(ctx context.Context, accountID, guildID, channelID, userID string) (SubscriptionResult, error) {
	if err := requireParams("subscribe", "guildId", guildID, "channelId", channelID, "userId", userID); err != nil {
		return SubscriptionResult{}, err
	}
	id, ac, err := s.ensure(ctx, accountID)
	if err != nil {
		return SubscriptionResult{}, err
	}
	t := ac.manager.Connection(channelID)
	if t == nil || t.ChannelID() != channelID {
		if _, err := s.Join(ctx, id, guildID, channelID); err != nil {
			return SubscriptionResult{}, err
		}
		t = ac.manager.Connection(channelID)
		if t == nil {
			return SubscriptionResult{}, ErrNotConnected
		}
	}
	if s.registry == nil {
		return SubscriptionResult{}, errors.New("voice subscribe: no responder pipeline configured")
	}
	if g := t.GuildID(); g != "" {
		guildID = g
	}
	target := pipeline.Target{AccountID: id, GuildID: guildID, ChannelID: channelID}
	active, err := s.registry.Subscribe(target, t, userID)
	if err != nil {
		return SubscriptionResult{}, err
	}
	return SubscriptionResult{
		OK: true, AccountID: id, GuildID: guildID, ChannelID: channelID, UserID: userID,
		ActiveSubscriptions: active, subscribed: true,
	}, nil
}

// Unsubscribe stops the pipeline for userID in channelID.
func (s *Service) Unsubscribe(ctx context.Context, accountID, guildID, channelID, userID string) (SubscriptionResult, error) {
	if err := requireParams("unsubscribe", "guildId", guildID, "channelId", channelID, "userId", userID); err != nil {
		return SubscriptionResult{}, err
	}
	id, ac, err := s.ensure(ctx, accountID)
	if err != nil {
		return SubscriptionResult{}, err
	}
	guildID = connectedGuild(ac, guildID, channelID)
	active := []string{}
	if s.registry != nil {
		active = s.registry.Unsubscribe(pipeline.Target{AccountID: id, GuildID: guildID, ChannelID: channelID}, userID)
	}
	return SubscriptionResult{OK: true, AccountID: id, GuildID: guildID, ChannelID: channelID, UserID: userID, ActiveSubscriptions: active}, nil
}

// Status reports where userID is in voice and whether the bot is connected
// in the guild. Lookups are best effort.
func (s *Service) Status(ctx context.Context, accountID, guildID, userID string) (StatusResult, error) {
	if err := requireParams("status", "guildId", guildID, "userId", userID); err != nil {
		return StatusResult{}, err
	}
	id, ac, err := s.ensure(ctx, accountID)
	if err != nil {
		return StatusResult{}, err
	}
	res := StatusResult{AccountID: id, GuildID: guildID, UserID: userID}
	ch := ac.manager.VoiceChannelID(guildID, userID)
	if ch == "" {
		ch = ac.client.MemberVoiceChannel(ctx, guildID, userID)
	}
	if ch != "" {
		res.VoiceChannelID = ch
		res.VoiceChannelName = ac.client.ChannelName(ctx, ch)
	}
	res.BotConnected = ac.manager.Connection(guildID) != nil
	return res, nil
}

// AutoJoin joins each enabled account's configured channels and subscribes
// its configured users. Failures are logged and skipped.
func (s *Service) AutoJoin(ctx context.Context) {
	for _, account := range s.cfg.EnabledAccounts() {
		voice := account.Config.Voice
		if !voice.IsEnabled() || !account.Configured() {
			continue
		}
		for _, target := range voice.AutoJoin {
			fields := logging.TargetFields(account.AccountID, target.GuildID, target.ChannelID)
			res, err := s.Join(ctx, account.AccountID, target.GuildID, target.ChannelID)
			if err != nil {
				logging.Warnw("voice: auto-join failed", append(fields, "err", err)...)
				continue
			}
			logging.Infow("voice: auto-joined", fields...)
			s.autoSubscribe(ctx, account.AccountID, res.GuildID, target.ChannelID, voice.AutoSubscribeUsers)
		}
	}
}

func (s *Service) autoSubscribe(ctx context.Context, accountID, guildID, channelID string, users []string) {
	if len(users) == 0 {
		return
	}
	if slices.Contains(users, "*") {
		m := s.Manager(accountID)
		if m == nil || s.registry == nil {
			return
		}
		target := pipeline.Target{AccountID: config.NormalizeAccountID(accountID), GuildID: guildID, ChannelID: channelID}
		ids := m.SubscribeChannelParticipants(channelID, func(t transport.Transport, participantID string) error {
			_, err := s.registry.Subscribe(target, t, participantID)
			return err
		})
		logging.Infow("voice: auto-subscribed channel participants", append(logging.TargetFields(target.AccountID, guildID, channelID), "count", len(ids))...)
		return
	}
	for _, u := range users {
		if _, err := s.Subscribe(ctx, accountID, guildID, channelID, u); err != nil {
			logging.Warnw("voice: auto-subscribe failed", append(logging.TargetFields(accountID, guildID, channelID), "user.id", u, "err", err)...)
		}
	}
}

// Close tears down sessions, transports and gateway clients.
func (s *Service) Close() {
	if s.registry != nil {
		s.registry.CloseAll()
	}
	s.mu.Lock()
	all := make([]*accountClient, 0, len(s.accounts))
	for _, ac := range s.accounts {
		all = append(all, ac)
	}
	s.accounts = make(map[string]*accountClient)
	s.mu.Unlock()
	for _, ac := range all {
		<-ac.ready
		if ac.manager != nil {
			ac.manager.Close()
		}
		if ac.client != nil {
			if err := ac.client.Close(); err != nil {
				logging.Warnw("voice: client close failed", "err", err)
			}
		}
	}
}
