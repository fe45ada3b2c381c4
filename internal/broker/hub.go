package broker

import (
	"errors"
	"log/slog"

	"github.com/gmencz/mycelium/internal/domain"
	"github.com/gmencz/mycelium/internal/metrics"
	"github.com/gmencz/mycelium/internal/protocol"
)

// maxChannelsPerConn caps how many channels one connection can hold.
const maxChannelsPerConn = 500

var (
	errNotRegistered = errors.New("connection not registered")

	// errHubStopped rejects registrations that race a graceful shutdown.
	// Callers should tell the client to reconnect, not report a failure.
	errHubStopped = errors.New("hub is shutting down")
)

// --- Command types ---

type hubCmd interface{ hubCmd() }

type cmdRegister struct {
	id     string
	writer *Writer
	errCh  chan error
}

func (cmdRegister) hubCmd() {}

type cmdSubscribe struct {
	id      string
	channel string
	errCh   chan error
}

func (cmdSubscribe) hubCmd() {}

type cmdUnsubscribe struct {
	id      string
	channel string
	errCh   chan error
}

func (cmdUnsubscribe) hubCmd() {}

type cmdRemove struct {
	id      string
	replyCh chan []string
}

func (cmdRemove) hubCmd() {}

type cmdDeliver struct {
	channel   string
	payload   []byte
	excludeID string
}

func (cmdDeliver) hubCmd() {}

type cmdLocalSubscribers struct {
	channel string
	replyCh chan int
}

func (cmdLocalSubscribers) hubCmd() {}

type cmdShutdown struct {
	replyCh chan map[string]int64
}

func (cmdShutdown) hubCmd() {}

// --- Hub ---

type connEntry struct {
	writer   *Writer
	channels map[string]struct{}
}

// Hub is the membership table. A single goroutine owns both directions of the
// mapping (connection to channels and channel to connections), so every
// command observes and leaves a consistent table. The hub never does I/O:
// counter updates happen in the session goroutine around hub calls.
type Hub struct {
	cmdCh    chan hubCmd
	conns    map[string]*connEntry
	channels map[string]map[string]*connEntry
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	h := &Hub{
		cmdCh:    make(chan hubCmd, 256),
		conns:    make(map[string]*connEntry),
		channels: make(map[string]map[string]*connEntry),
		logger:   logger,
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	stopped := false
	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case cmdRegister:
			if stopped {
				c.errCh <- errHubStopped
				continue
			}
			h.handleRegister(c)
		case cmdSubscribe:
			c.errCh <- h.handleSubscribe(c.id, c.channel)
		case cmdUnsubscribe:
			c.errCh <- h.handleUnsubscribe(c.id, c.channel)
		case cmdRemove:
			c.replyCh <- h.handleRemove(c.id)
		case cmdDeliver:
			h.handleDeliver(c)
		case cmdLocalSubscribers:
			c.replyCh <- len(h.channels[c.channel])
		case cmdShutdown:
			c.replyCh <- h.handleShutdown()
			stopped = true
		}
	}
}

func (h *Hub) handleRegister(c cmdRegister) {
	if _, exists := h.conns[c.id]; exists {
		c.errCh <- errors.New("connection id already registered")
		return
	}
	h.conns[c.id] = &connEntry{
		writer:   c.writer,
		channels: make(map[string]struct{}),
	}
	c.errCh <- nil
}

func (h *Hub) handleSubscribe(id, channel string) error {
	entry, exists := h.conns[id]
	if !exists {
		return errNotRegistered
	}
	if _, subscribed := entry.channels[channel]; subscribed {
		return domain.ErrAlreadySubscribed
	}
	if len(entry.channels) >= maxChannelsPerConn {
		return domain.ErrTooManyChannels
	}

	entry.channels[channel] = struct{}{}
	subscribers, exists := h.channels[channel]
	if !exists {
		subscribers = make(map[string]*connEntry)
		h.channels[channel] = subscribers
	}
	subscribers[id] = entry
	metrics.SubscriptionsCurrent.Inc()
	return nil
}

func (h *Hub) handleUnsubscribe(id, channel string) error {
	entry, exists := h.conns[id]
	if !exists {
		return errNotRegistered
	}
	if _, subscribed := entry.channels[channel]; !subscribed {
		return domain.ErrNotSubscribed
	}

	delete(entry.channels, channel)
	h.dropSubscriber(id, channel)
	metrics.SubscriptionsCurrent.Dec()
	return nil
}

// handleRemove detaches a connection from every channel and returns the
// channels it was in. Removing an unknown connection returns nil, so teardown
// stays idempotent.
func (h *Hub) handleRemove(id string) []string {
	entry, exists := h.conns[id]
	if !exists {
		return nil
	}

	channels := make([]string, 0, len(entry.channels))
	for channel := range entry.channels {
		channels = append(channels, channel)
		h.dropSubscriber(id, channel)
	}
	metrics.SubscriptionsCurrent.Sub(float64(len(channels)))
	delete(h.conns, id)
	return channels
}

func (h *Hub) dropSubscriber(id, channel string) {
	subscribers := h.channels[channel]
	delete(subscribers, id)
	if len(subscribers) == 0 {
		delete(h.channels, channel)
	}
}

func (h *Hub) handleDeliver(c cmdDeliver) {
	for id, entry := range h.channels[c.channel] {
		if id == c.excludeID {
			continue
		}
		if !entry.writer.TrySend(c.payload) {
			// Slow client. Closing the socket here is enough: its read
			// loop fails and the session's own teardown removes it,
			// keeping counter decrements in one place.
			h.logger.Warn("disconnecting slow client",
				slog.String("connection_id", id),
				slog.String("channel", c.channel))
			metrics.SlowClientsDropped.Inc()
			go entry.writer.Stop()
		}
	}
}

// handleShutdown closes every connection with the reconnect code and returns
// this instance's per-channel subscriber counts for the final counter flush.
// Sessions tearing down afterwards see an empty table and decrement nothing.
func (h *Hub) handleShutdown() map[string]int64 {
	counts := make(map[string]int64, len(h.channels))
	for channel, subscribers := range h.channels {
		counts[channel] = int64(len(subscribers))
	}

	for id, entry := range h.conns {
		metrics.SubscriptionsCurrent.Sub(float64(len(entry.channels)))
		go entry.writer.StopWithClose(protocol.CloseReconnect, protocol.CloseReconnect.Reason())
		delete(h.conns, id)
	}
	h.channels = make(map[string]map[string]*connEntry)
	return counts
}

// --- Public API ---

func (h *Hub) Register(id string, writer *Writer) error {
	errCh := make(chan error, 1)
	h.cmdCh <- cmdRegister{id: id, writer: writer, errCh: errCh}
	return <-errCh
}

// Subscribe adds the connection to a qualified channel. Returns
// domain.ErrAlreadySubscribed or domain.ErrTooManyChannels on violation.
func (h *Hub) Subscribe(id, channel string) error {
	errCh := make(chan error, 1)
	h.cmdCh <- cmdSubscribe{id: id, channel: channel, errCh: errCh}
	return <-errCh
}

// Unsubscribe removes the connection from a qualified channel. Returns
// domain.ErrNotSubscribed when it was not a member.
func (h *Hub) Unsubscribe(id, channel string) error {
	errCh := make(chan error, 1)
	h.cmdCh <- cmdUnsubscribe{id: id, channel: channel, errCh: errCh}
	return <-errCh
}

// Remove detaches the connection from all channels and returns the qualified
// channels it left. Safe to call more than once.
func (h *Hub) Remove(id string) []string {
	replyCh := make(chan []string, 1)
	h.cmdCh <- cmdRemove{id: id, replyCh: replyCh}
	return <-replyCh
}

// Deliver fans a relay envelope out to local subscribers of its channel,
// skipping the publisher's own connection when the envelope names one.
func (h *Hub) Deliver(env domain.Envelope) {
	payload := protocol.Message(domain.UnqualifyChannel(env.Channel), env.Data)
	h.Broadcast(env.Channel, payload, env.PublisherID)
}

// Broadcast sends an already-encoded frame to local subscribers of a
// qualified channel, skipping excludeID.
func (h *Hub) Broadcast(channel string, payload []byte, excludeID string) {
	h.cmdCh <- cmdDeliver{channel: channel, payload: payload, excludeID: excludeID}
}

// LocalSubscribers reports how many local connections hold the qualified
// channel.
func (h *Hub) LocalSubscribers(channel string) int {
	replyCh := make(chan int, 1)
	h.cmdCh <- cmdLocalSubscribers{channel: channel, replyCh: replyCh}
	return <-replyCh
}

// Shutdown closes every connection with the reconnect close code and returns
// per-channel local subscriber counts so the caller can flush them from the
// shared counter store.
func (h *Hub) Shutdown() map[string]int64 {
	replyCh := make(chan map[string]int64, 1)
	h.cmdCh <- cmdShutdown{replyCh: replyCh}
	return <-replyCh
}
