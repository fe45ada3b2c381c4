package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gmencz/mycelium/internal/domain"
	"github.com/gmencz/mycelium/internal/logging"
	"github.com/gmencz/mycelium/internal/metrics"
	"github.com/gmencz/mycelium/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

// maxFrameBytes bounds inbound frame size. The websocket library closes the
// connection when a client exceeds it.
const maxFrameBytes = 1 << 20

// teardownTimeout bounds the counter decrements during session teardown,
// which run on a fresh context because the session's own context may already
// be canceled.
const teardownTimeout = 5 * time.Second

// Authenticator resolves credentials into an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, key, token string) (*domain.Auth, *protocol.CloseError)
	AuthenticateToken(ctx context.Context, token string) (*domain.Auth, *protocol.CloseError)
}

// SessionConfig carries the two protocol timers.
type SessionConfig struct {
	// AuthTimeout is how long a connection may sit unauthenticated.
	AuthTimeout time.Duration
	// SessionTimeout closes a session that sends no valid frame for this
	// long. Reset on every valid inbound frame.
	SessionTimeout time.Duration
}

// SessionDeps bundles the collaborators a session needs.
type SessionDeps struct {
	Hub           *Hub
	Authenticator Authenticator
	Counters      domain.CounterStore
	Relay         domain.Relay
	Clock         clockwork.Clock
	Logger        *slog.Logger
	Config        SessionConfig
}

// Session drives one websocket connection through the protocol state
// machine: Connecting, Authenticating, Open, Closed. It owns the read side
// of the socket; all writes go through the buffered Writer.
type Session struct {
	ID string

	conn   *websocket.Conn
	writer *Writer
	deps   SessionDeps

	// credentials from the upgrade request's query parameters, possibly
	// empty when the client authenticates with an in-band identify frame
	queryKey   string
	queryToken string

	auth     *domain.Auth
	channels map[string]struct{}

	done         chan struct{}
	teardownOnce sync.Once
}

// NewSession wraps an upgraded connection. key and token are the credentials
// from the request query, either of which may be empty.
func NewSession(conn *websocket.Conn, key, token string, deps SessionDeps) *Session {
	id := uuid.NewString()
	return &Session{
		ID:         id,
		conn:       conn,
		writer:     NewWriter(conn, deps.Clock),
		deps:       deps,
		queryKey:   key,
		queryToken: token,
		channels:   make(map[string]struct{}),
		done:       make(chan struct{}),
	}
}

type readResult struct {
	data []byte
	err  error
}

// Run drives the session until the connection closes. It blocks and always
// leaves the hub and counter store clean.
func (s *Session) Run(ctx context.Context) {
	defer s.teardown()

	s.conn.SetReadLimit(maxFrameBytes)
	readCh := make(chan readResult)
	go s.readLoop(readCh)

	if !s.authenticate(ctx, readCh) {
		return
	}

	if err := s.deps.Hub.Register(s.ID, s.writer); err != nil {
		if errors.Is(err, errHubStopped) {
			// Raced a graceful shutdown; the client should retry elsewhere.
			s.closeWith(protocol.NewCloseError(protocol.CloseReconnect))
			return
		}
		s.deps.Logger.Error("failed to register connection", slog.Any("error", err))
		s.closeWith(protocol.NewCloseError(protocol.CloseInternalError))
		return
	}
	logging.WithSession(s.ID).Info("session open",
		slog.String("app_id", s.auth.AppID), slog.String("key_id", s.auth.KeyID))

	s.send(protocol.Hello(s.ID))
	s.open(ctx, readCh)
}

func (s *Session) readLoop(readCh chan<- readResult) {
	for {
		_, data, err := s.conn.ReadMessage()
		r := readResult{data: data, err: err}
		select {
		case readCh <- r:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// authenticate runs the Authenticating state. Query credentials resolve
// immediately; otherwise the first frame must be an identify and must arrive
// within the auth window.
func (s *Session) authenticate(ctx context.Context, readCh <-chan readResult) bool {
	if s.queryKey != "" || s.queryToken != "" {
		return s.resolveAuth(ctx, s.queryKey, s.queryToken)
	}

	timer := s.deps.Clock.NewTimer(s.deps.Config.AuthTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		s.closeWith(protocol.NewCloseError(protocol.CloseAuthenticationTimedOut))
		return false
	case r := <-readCh:
		if r.err != nil {
			return false
		}
		frame, err := protocol.DecodeClientFrame(r.data)
		if err != nil {
			s.closeWith(protocol.NewCloseErrorf(protocol.CloseDecodeError, "%v", err))
			return false
		}
		identify, ok := frame.(protocol.IdentifyFrame)
		if !ok {
			s.closeWith(protocol.NewCloseError(protocol.CloseNotAuthenticated))
			return false
		}
		return s.resolveAuth(ctx, identify.Key, identify.Token)
	}
}

func (s *Session) resolveAuth(ctx context.Context, key, token string) bool {
	auth, closeErr := s.deps.Authenticator.Authenticate(ctx, key, token)
	if closeErr != nil {
		s.closeWith(closeErr)
		return false
	}
	s.auth = auth
	return true
}

// open runs the Open state until the connection drops, a timer fires, or a
// fatal frame arrives.
func (s *Session) open(ctx context.Context, readCh <-chan readResult) {
	timer := s.deps.Clock.NewTimer(s.deps.Config.SessionTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
			s.closeWith(protocol.NewCloseError(protocol.CloseSessionTimedOut))
			return
		case r := <-readCh:
			if r.err != nil {
				return
			}
			frame, err := protocol.DecodeClientFrame(r.data)
			if err != nil {
				s.closeWith(protocol.NewCloseErrorf(protocol.CloseDecodeError, "%v", err))
				return
			}
			timer.Reset(s.deps.Config.SessionTimeout)

			switch f := frame.(type) {
			case protocol.PingFrame:
				metrics.FramesReceived.WithLabelValues(protocol.TypePing).Inc()
				s.send(protocol.Pong())
			case protocol.SubscribeFrame:
				metrics.FramesReceived.WithLabelValues(protocol.TypeSubscribe).Inc()
				s.handleSubscribe(ctx, f)
			case protocol.UnsubscribeFrame:
				metrics.FramesReceived.WithLabelValues(protocol.TypeUnsubscribe).Inc()
				s.handleUnsubscribe(ctx, f)
			case protocol.PublishFrame:
				metrics.FramesReceived.WithLabelValues(protocol.TypePublish).Inc()
				s.handlePublish(ctx, f)
			case protocol.IdentifyFrame:
				s.closeWith(protocol.NewCloseError(protocol.CloseAlreadyAuthenticated))
				return
			}
		}
	}
}

func (s *Session) handleSubscribe(ctx context.Context, f protocol.SubscribeFrame) {
	if !domain.ValidChannelName(f.Channel) {
		s.send(protocol.SubscriptionError(f.Channel, "invalid channel name"))
		return
	}

	capabilities := s.auth.Capabilities
	if f.Token != "" {
		tokenAuth, closeErr := s.deps.Authenticator.AuthenticateToken(ctx, f.Token)
		if closeErr != nil || tokenAuth.AppID != s.auth.AppID {
			s.send(protocol.SubscriptionError(f.Channel, "invalid subscription token"))
			return
		}
		capabilities = tokenAuth.Capabilities
	}
	if !capabilities.Allows(domain.OpSubscribe, f.Channel) {
		s.send(protocol.SubscriptionError(f.Channel, "not authorized to subscribe to this channel"))
		return
	}

	qualified := domain.QualifyChannel(s.auth.AppID, f.Channel)
	if err := s.deps.Hub.Subscribe(s.ID, qualified); err != nil {
		switch {
		case errors.Is(err, domain.ErrAlreadySubscribed):
			s.send(protocol.SubscriptionError(f.Channel, "already subscribed to this channel"))
		case errors.Is(err, domain.ErrTooManyChannels):
			s.send(protocol.SubscriptionError(f.Channel, "channel limit reached"))
		default:
			s.deps.Logger.Error("subscribe failed", slog.Any("error", err))
			s.send(protocol.SubscriptionError(f.Channel, "internal error"))
		}
		return
	}

	if err := s.deps.Counters.Incr(ctx, qualified); err != nil {
		logging.WithChannel(qualified).Error("failed to increment subscriber count",
			slog.Any("error", err))
		_ = s.deps.Hub.Unsubscribe(s.ID, qualified)
		s.send(protocol.SubscriptionError(f.Channel, "internal error"))
		return
	}

	s.channels[qualified] = struct{}{}
	s.send(protocol.SubscriptionSuccess(f.Channel))
}

func (s *Session) handleUnsubscribe(ctx context.Context, f protocol.UnsubscribeFrame) {
	if !domain.ValidChannelName(f.Channel) {
		s.send(protocol.UnsubscriptionError(f.Channel, "invalid channel name"))
		return
	}

	qualified := domain.QualifyChannel(s.auth.AppID, f.Channel)
	if err := s.deps.Hub.Unsubscribe(s.ID, qualified); err != nil {
		if errors.Is(err, domain.ErrNotSubscribed) {
			s.send(protocol.UnsubscriptionError(f.Channel, "not subscribed to this channel"))
		} else {
			s.deps.Logger.Error("unsubscribe failed", slog.Any("error", err))
			s.send(protocol.UnsubscriptionError(f.Channel, "internal error"))
		}
		return
	}

	delete(s.channels, qualified)
	if err := s.deps.Counters.Decr(ctx, qualified); err != nil {
		s.deps.Logger.Error("failed to decrement subscriber count",
			slog.String("channel", qualified), slog.Any("error", err))
	}
	s.send(protocol.UnsubscriptionSuccess(f.Channel))
}

func (s *Session) handlePublish(ctx context.Context, f protocol.PublishFrame) {
	if !domain.ValidChannelName(f.Channel) {
		s.send(protocol.PublishError(f.Channel, "invalid channel name"))
		return
	}

	qualified := domain.QualifyChannel(s.auth.AppID, f.Channel)
	if _, subscribed := s.channels[qualified]; !subscribed {
		s.send(protocol.PublishError(f.Channel, "not subscribed to this channel"))
		return
	}
	if !s.auth.Capabilities.Allows(domain.OpPublish, f.Channel) {
		s.send(protocol.PublishError(f.Channel, "not authorized to publish to this channel"))
		return
	}

	env := domain.Envelope{Channel: qualified, Data: f.Data}
	if !f.IncludePublisher {
		env.PublisherID = s.ID
	}
	if err := s.deps.Relay.Publish(ctx, env); err != nil {
		s.deps.Logger.Error("publish failed",
			slog.String("channel", qualified), slog.Any("error", err))
		s.send(protocol.PublishError(f.Channel, "failed to publish"))
	}
}

// send queues a frame for the client. A full buffer means the client cannot
// keep up, so the connection is closed and the read loop ends the session.
func (s *Session) send(payload []byte) {
	if !s.writer.TrySend(payload) {
		metrics.SlowClientsDropped.Inc()
		s.writer.Stop()
	}
}

func (s *Session) closeWith(ce *protocol.CloseError) {
	metrics.SessionCloses.WithLabelValues(ce.Code.Label()).Inc()
	s.writer.StopWithClose(ce.Code, ce.Reason())
}

// teardown releases everything the session holds. Runs exactly once and is
// safe after any close path, including hub shutdown.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		close(s.done)

		channels := s.deps.Hub.Remove(s.ID)
		if len(channels) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
			defer cancel()
			for _, channel := range channels {
				if err := s.deps.Counters.Decr(ctx, channel); err != nil {
					s.deps.Logger.Error("failed to decrement subscriber count during teardown",
						slog.String("channel", channel), slog.Any("error", err))
				}
			}
		}

		s.writer.Stop()
	})
}
