package shard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gmencz/mycelium/internal/broker"
	"github.com/gmencz/mycelium/internal/domain"
	"github.com/gmencz/mycelium/internal/metrics"
	"github.com/gmencz/mycelium/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const maxFrameBytes = 1 << 20

// SessionDeps bundles what a shard session needs.
type SessionDeps struct {
	Group         *Group
	Authenticator broker.Authenticator
	Clock         clockwork.Clock
	Logger        *slog.Logger
	AuthTimeout   time.Duration
	IdleTimeout   time.Duration
}

// Session drives one socket bound to a single shard key. Membership is fixed
// by the connection URL: the socket joins its shard on authentication and
// stays in it for its whole life, so subscribe and unsubscribe frames are
// connection-fatal rather than request-level errors.
type Session struct {
	ID string

	conn     *websocket.Conn
	writer   *broker.Writer
	shardKey string
	deps     SessionDeps

	queryKey   string
	queryToken string

	auth      *domain.Auth
	qualified string
	replica   *Replica

	done         chan struct{}
	teardownOnce sync.Once
}

// NewSession wraps an upgraded connection bound to rawShardKey.
func NewSession(conn *websocket.Conn, rawShardKey, key, token string, deps SessionDeps) *Session {
	return &Session{
		ID:         uuid.NewString(),
		conn:       conn,
		writer:     broker.NewWriter(conn, deps.Clock),
		shardKey:   rawShardKey,
		deps:       deps,
		queryKey:   key,
		queryToken: token,
		done:       make(chan struct{}),
	}
}

type readResult struct {
	data []byte
	err  error
}

// Run drives the session until the socket closes.
func (s *Session) Run(ctx context.Context) {
	defer s.teardown()

	s.conn.SetReadLimit(maxFrameBytes)
	readCh := make(chan readResult)
	go s.readLoop(readCh)

	if !s.authenticate(ctx, readCh) {
		return
	}

	s.qualified = domain.QualifyChannel(s.auth.AppID, s.shardKey)
	replica, err := s.deps.Group.Join(s.qualified, s.ID, s.writer)
	if err != nil {
		s.deps.Logger.Error("failed to join shard",
			slog.String("shard_key", s.qualified), slog.Any("error", err))
		s.closeWith(protocol.NewCloseError(protocol.CloseInternalError))
		return
	}
	s.replica = replica

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

func (s *Session) authenticate(ctx context.Context, readCh <-chan readResult) bool {
	if !domain.ValidChannelName(s.shardKey) {
		s.closeWith(protocol.NewCloseErrorf(protocol.CloseDecodeError, "invalid shard key"))
		return false
	}

	resolve := func(key, token string) bool {
		auth, closeErr := s.deps.Authenticator.Authenticate(ctx, key, token)
		if closeErr != nil {
			s.closeWith(closeErr)
			return false
		}
		if !auth.Capabilities.Allows(domain.OpSubscribe, s.shardKey) {
			s.closeWith(protocol.NewCloseErrorf(protocol.CloseAuthenticationError,
				"not authorized to join this shard"))
			return false
		}
		s.auth = auth
		return true
	}

	if s.queryKey != "" || s.queryToken != "" {
		return resolve(s.queryKey, s.queryToken)
	}

	timer := s.deps.Clock.NewTimer(s.deps.AuthTimeout)
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
		return resolve(identify.Key, identify.Token)
	}
}

func (s *Session) open(ctx context.Context, readCh <-chan readResult) {
	timer := s.deps.Clock.NewTimer(s.deps.IdleTimeout)
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
			timer.Reset(s.deps.IdleTimeout)

			switch f := frame.(type) {
			case protocol.PingFrame:
				s.send(protocol.Pong())
			case protocol.PublishFrame:
				s.handlePublish(f)
			case protocol.SubscribeFrame:
				// Membership is fixed by the URL.
				s.closeWith(protocol.NewCloseError(protocol.CloseAlreadySubscribed))
				return
			case protocol.UnsubscribeFrame:
				if f.Channel != s.shardKey {
					s.closeWith(protocol.NewCloseError(protocol.CloseNotSubscribed))
					return
				}
				// Leaving the shard ends the session.
				s.writer.Stop()
				return
			case protocol.IdentifyFrame:
				s.closeWith(protocol.NewCloseError(protocol.CloseAlreadyAuthenticated))
				return
			}
		}
	}
}

func (s *Session) handlePublish(f protocol.PublishFrame) {
	if f.Channel != s.shardKey {
		s.send(protocol.PublishError(f.Channel, "not subscribed to this channel"))
		return
	}
	if !s.auth.Capabilities.Allows(domain.OpPublish, s.shardKey) {
		s.send(protocol.PublishError(f.Channel, "not authorized to publish to this channel"))
		return
	}

	excludeID := s.ID
	if f.IncludePublisher {
		excludeID = ""
	}
	payload := protocol.Message(s.shardKey, f.Data)
	s.deps.Group.Broadcast(s.qualified, payload, excludeID)
}

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

func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		close(s.done)
		if s.replica != nil {
			s.replica.Leave(s.ID)
		}
		s.writer.Stop()
	})
}
