package broker

import (
	"sync"
	"time"

	"github.com/gmencz/mycelium/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline  = 5 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 64
)

// Writer serializes all writes to one websocket connection through a
// buffered channel. Sends never block: a full buffer marks the client as slow
// and the caller drops it. The writer also keeps the connection alive with
// periodic protocol-level pings.
type Writer struct {
	conn     *websocket.Conn
	clock    clockwork.Clock
	sendCh   chan []byte
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewWriter(conn *websocket.Conn, clock clockwork.Clock) *Writer {
	cw := &Writer{
		conn:   conn,
		clock:  clock,
		sendCh: make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
	cw.wg.Add(1)
	go cw.run()
	return cw
}

func (cw *Writer) run() {
	ticker := cw.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer cw.wg.Done()

	for {
		select {
		case msg, ok := <-cw.sendCh:
			if !ok {
				return
			}
			cw.updateWriteDeadline()
			if err := cw.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.Chan():
			cw.updateWriteDeadline()
			if err := cw.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-cw.done:
			return
		}
	}
}

// TrySend queues a message without blocking. A false return means the
// client's buffer is full.
func (cw *Writer) TrySend(msg []byte) bool {
	select {
	case <-cw.done:
		return false
	default:
	}
	select {
	case cw.sendCh <- msg:
		return true
	default:
		return false
	}
}

func (cw *Writer) Stop() {
	cw.stopOnce.Do(func() {
		close(cw.done)
		_ = cw.conn.Close()
	})
	cw.wg.Wait()
}

// StopWithClose sends a close frame carrying an application close code before
// tearing the connection down. The run goroutine is stopped first so the
// close frame is never written concurrently with a queued message.
func (cw *Writer) StopWithClose(code protocol.CloseCode, reason string) {
	cw.stopOnce.Do(func() {
		close(cw.done)
		cw.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(int(code), reason)
		cw.updateWriteDeadline()
		_ = cw.conn.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = cw.conn.Close()
	})
	cw.wg.Wait()
}

func (cw *Writer) updateWriteDeadline() {
	_ = cw.conn.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
}
