package transport

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/iago/jobsync/internal/events"
)

var ErrUnreachable = errors.New("companion unreachable")

const maxFrameBytes = 1 << 20

// Link holds the single live websocket connection between the two devices.
// A new connection replaces the previous one.
type Link struct {
	logger *log.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	gen       uint64
	reachable bool

	reachability *events.Topic[events.ReachabilityChanged]
}

func NewLink(logger *log.Logger) *Link {
	if logger == nil {
		logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	return &Link{
		logger:       logger,
		reachability: events.NewTopic[events.ReachabilityChanged](events.NameReachabilityChanged, events.LatestWins),
	}
}

func (l *Link) Reachability() *events.Topic[events.ReachabilityChanged] {
	return l.reachability
}

func (l *Link) Reachable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reachable
}

// Serve adopts conn and hands every inbound frame to handle until the
// connection fails or ctx ends. It always closes conn before returning.
func (l *Link) Serve(ctx context.Context, conn *websocket.Conn, handle func(context.Context, []byte)) error {
	conn.SetReadLimit(maxFrameBytes)

	l.mu.Lock()
	previous := l.conn
	l.conn = conn
	l.gen++
	gen := l.gen
	l.setReachableLocked(true)
	l.mu.Unlock()

	if previous != nil {
		_ = previous.Close(websocket.StatusGoingAway, "replaced by a newer connection")
	}

	defer func() {
		l.mu.Lock()
		if l.gen == gen {
			l.conn = nil
			l.setReachableLocked(false)
		}
		l.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		handle(ctx, data)
	}
}

func (l *Link) setReachableLocked(reachable bool) {
	if l.reachable == reachable {
		return
	}
	l.reachable = reachable
	l.logger.Printf("companion link reachable=%t", reachable)
	_ = l.reachability.Publish(context.Background(), events.ReachabilityChanged{Reachable: reachable, At: time.Now().UTC()})
}

func (l *Link) Write(ctx context.Context, data []byte) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return ErrUnreachable
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Close drops the current connection, if any.
func (l *Link) Close() {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
	}
}
