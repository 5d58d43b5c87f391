// Package realtime pushes authorization invalidations to connected clients. Delivery is
// best effort and at most once; clients re-read their permissions on receipt.
package realtime

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fnbcost/fnbcost/internal/observability"
	"github.com/fnbcost/fnbcost/internal/rbac"
)

// EventType names a frame kind.
type EventType string

const (
	EventConnected         EventType = "connected"
	EventHeartbeat         EventType = "heartbeat"
	EventRoleUpdated       EventType = "role_updated"
	EventPermissionUpdated EventType = "permission_updated"
)

// Event is one frame on the stream. An event with neither AffectedRole nor
// AffectedPrincipalID goes to every connection.
type Event struct {
	Type                EventType `json:"type"`
	Message             string    `json:"message,omitempty"`
	PrincipalID         int64     `json:"principal_id,omitempty"`
	Role                rbac.Role `json:"role,omitempty"`
	AffectedRole        rbac.Role `json:"affected_role,omitempty"`
	AffectedPrincipalID int64     `json:"affected_principal_id,omitempty"`
	PermissionName      string    `json:"permission_name,omitempty"`
	Action              string    `json:"action,omitempty"`
	RequiresRefresh     bool      `json:"requires_refresh,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}

func (e Event) matches(c *Connection) bool {
	if e.AffectedRole == "" && e.AffectedPrincipalID == 0 {
		return true
	}
	return (e.AffectedRole != "" && e.AffectedRole == c.Role) ||
		(e.AffectedPrincipalID != 0 && e.AffectedPrincipalID == c.PrincipalID)
}

// Options tunes heartbeats and per-connection buffering.
type Options struct {
	HeartbeatInterval time.Duration
	MaxMissed         int
	SendBuffer        int
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
	if o.MaxMissed <= 0 {
		o.MaxMissed = 2
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 16
	}
	return o
}

// ErrBusClosed is returned by Register after Close.
var ErrBusClosed = errors.New("realtime: bus closed")

// Connection is one registered client.
type Connection struct {
	ID          string
	PrincipalID int64
	Role        rbac.Role

	frames   chan Event
	done     chan struct{}
	once     sync.Once
	lastSeen atomic.Int64
}

// Frames yields events queued for the client.
func (c *Connection) Frames() <-chan Event {
	return c.frames
}

// Done is closed once the connection is deregistered.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Ack records that the client just received a frame.
func (c *Connection) Ack(at time.Time) {
	c.lastSeen.Store(at.UnixNano())
}

// LastSeen is the time of the last acknowledged delivery.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// offer queues ev without blocking. A full buffer counts as a failed delivery.
func (c *Connection) offer(ev Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.frames <- ev:
		return true
	default:
		return false
	}
}

func (c *Connection) release() bool {
	released := false
	c.once.Do(func() {
		close(c.done)
		released = true
	})
	return released
}

// Bus tracks live connections and fans events out to them.
type Bus struct {
	opts    Options
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	conns  map[string]*Connection
	closed bool
	wg     sync.WaitGroup
}

// NewBus constructs an empty Bus.
func NewBus(logger *slog.Logger, metrics *observability.Metrics, opts Options) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		opts:    opts.withDefaults(),
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		conns:   make(map[string]*Connection),
	}
}

// Register adds a connection, queues its connected frame and starts its heartbeat.
func (b *Bus) Register(principalID int64, role rbac.Role) (*Connection, error) {
	now := b.now()
	c := &Connection{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		Role:        role,
		frames:      make(chan Event, b.opts.SendBuffer),
		done:        make(chan struct{}),
	}
	c.Ack(now)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.conns[c.ID] = c
	size := len(b.conns)
	b.wg.Add(1)
	b.mu.Unlock()

	b.metrics.RealtimeConnections(size)
	c.offer(Event{
		Type:        EventConnected,
		Message:     "connected",
		PrincipalID: principalID,
		Role:        role,
		Timestamp:   now.UTC(),
	})
	go b.heartbeat(c)
	b.logger.Debug("realtime connection registered",
		slog.String("connection_id", c.ID),
		slog.Int64("principal_id", principalID),
		slog.String("role", string(role)))
	return c, nil
}

// Deregister removes the connection and stops its heartbeat. Unknown ids are ignored.
func (b *Bus) Deregister(id string) {
	b.mu.Lock()
	c, ok := b.conns[id]
	if ok {
		delete(b.conns, id)
	}
	size := len(b.conns)
	b.mu.Unlock()
	if !ok {
		return
	}
	if c.release() {
		b.metrics.RealtimeConnections(size)
	}
}

// Len reports the number of registered connections.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

// Broadcast queues ev on every matching connection and returns how many accepted it.
// Connections that cannot accept the frame are deregistered.
func (b *Bus) Broadcast(ev Event) int {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now().UTC()
	}
	b.mu.RLock()
	targets := make([]*Connection, 0, len(b.conns))
	for _, c := range b.conns {
		if ev.matches(c) {
			targets = append(targets, c)
		}
	}
	b.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		ok := c.offer(ev)
		b.metrics.RealtimeFrame(string(ev.Type), ok)
		if !ok {
			b.logger.Warn("realtime delivery failed",
				slog.String("connection_id", c.ID),
				slog.String("type", string(ev.Type)))
			b.Deregister(c.ID)
			continue
		}
		delivered++
	}
	return delivered
}

func (b *Bus) heartbeat(c *Connection) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.HeartbeatInterval)
	defer ticker.Stop()
	staleAfter := b.opts.HeartbeatInterval * time.Duration(b.opts.MaxMissed)
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			now := b.now()
			if now.Sub(c.LastSeen()) > staleAfter {
				b.logger.Info("realtime connection stale", slog.String("connection_id", c.ID))
				b.Deregister(c.ID)
				return
			}
			ok := c.offer(Event{Type: EventHeartbeat, Timestamp: now.UTC()})
			b.metrics.RealtimeFrame(string(EventHeartbeat), ok)
			if !ok {
				b.Deregister(c.ID)
				return
			}
		}
	}
}

// Close deregisters every connection and waits for heartbeats to stop.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	conns := b.conns
	b.conns = make(map[string]*Connection)
	b.mu.Unlock()
	for _, c := range conns {
		c.release()
	}
	b.metrics.RealtimeConnections(0)
	b.wg.Wait()
}
