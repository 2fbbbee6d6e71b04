// Package streams owns the daemon's long-lived fan-out registries: each
// is an owned struct with the daemon's lifetime instead of a module-level
// global.
package streams

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogsHub is the on-demand global log aggregator: a UDP listener receives
// syslog-framed datagrams from the logspout-equivalent swarm service and
// republishes them to subscribers, backed by a one-hour ring buffer.
type LogsHub struct {
	mu          sync.Mutex
	ring        []LogLine
	subscribers map[int]chan LogLine
	nextSubID   int
	retention   time.Duration
	log         *logrus.Entry
}

type LogLine struct {
	Source string
	Text   string
	At     time.Time
}

func NewLogsHub(log *logrus.Entry) *LogsHub {
	return &LogsHub{subscribers: map[int]chan LogLine{}, retention: time.Hour, log: log}
}

// ListenUDP starts the syslog datagram receiver in its own goroutine and
// returns a func that closes the socket to stop it.
func (h *LogsHub) ListenUDP(addr string) (func(), error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, _, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			h.publish(LogLine{Source: "syslog", Text: string(buf[:n]), At: time.Now().UTC()})
		}
	}()
	return func() { conn.Close() }, nil
}

func (h *LogsHub) publish(line LogLine) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring = append(h.ring, line)
	h.evictLocked()
	for _, ch := range h.subscribers {
		select {
		case ch <- line:
		default:
			// a slow subscriber drops lines rather than blocking the publisher
		}
	}
}

func (h *LogsHub) evictLocked() {
	cutoff := time.Now().Add(-h.retention)
	i := 0
	for ; i < len(h.ring); i++ {
		if h.ring[i].At.After(cutoff) {
			break
		}
	}
	h.ring = h.ring[i:]
}

// Subscribe returns a channel of new lines plus an unsubscribe func; used
// by SSE/WS log-streaming endpoints.
func (h *LogsHub) Subscribe() (<-chan LogLine, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextSubID
	h.nextSubID++
	ch := make(chan LogLine, 64)
	h.subscribers[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subscribers, id)
		close(ch)
	}
}

// HourlyEvict is called by the scheduler's hour-tick maintenance crons.
func (h *LogsHub) HourlyEvict() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evictLocked()
}
