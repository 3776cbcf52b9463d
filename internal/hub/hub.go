// Package hub fans frames out to the clients of one CAN channel.
package hub

import (
	"log/slog"
	"strconv"
	"sync"

	"github.com/kstaniek/go-qcan/internal/can"
	"github.com/kstaniek/go-qcan/internal/logging"
	"github.com/kstaniek/go-qcan/internal/metrics"
)

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

// ParsePolicy maps "drop" or "kick" to a policy; anything else is drop.
func ParsePolicy(s string) BackpressurePolicy {
	if s == "kick" {
		return PolicyKick
	}
	return PolicyDrop
}

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

type Client struct {
	Out       chan can.Frame
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewClient returns a client whose outbound queue holds buf frames.
func NewClient(buf int) *Client {
	return &Client{Out: make(chan can.Frame, buf), Closed: make(chan struct{})}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

// Hub holds the clients of one channel. The backend bridged to the channel
// broadcasts with a nil sender; a client's own frames are never echoed back
// to it.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	Channel    int
	OutBufSize int
	Policy     BackpressurePolicy
	log        *slog.Logger
}

// New creates a Hub for channel with default settings.
func New(channel int) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		Channel: channel,
		log:     logging.L().With("channel", channel),
	}
}

func (h *Hub) label() string { return strconv.Itoa(h.Channel) }

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	prev := len(h.clients)
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(h.label(), cur)
	if prev == 0 && cur == 1 {
		h.log.Info("clients_first_connected")
	}
}

// Remove unregisters a client and updates metrics; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	if existed {
		delete(h.clients, c)
	}
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(h.label(), cur)
	if existed && cur == 0 {
		h.log.Info("clients_last_disconnected")
	}
}

// Broadcast queues fr for every client except from, honoring the
// backpressure policy. It never blocks.
func (h *Hub) Broadcast(fr can.Frame, from *Client) int {
	clients := h.Snapshot()
	if len(clients) > 0 {
		max := 0
		for _, c := range clients {
			if l := len(c.Out); l > max {
				max = l
			}
		}
		metrics.SetQueueDepth(max)
	}
	sent := 0
	for _, c := range clients {
		if c == from {
			continue
		}
		select {
		case c.Out <- fr:
			sent++
		default:
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				c.Close() // writer exits; server removes the client
			} else {
				metrics.IncHubDrop()
			}
		}
	}
	return sent
}

// Snapshot returns a slice copy of current clients (read-only use).
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

// Count returns the number of active clients.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
