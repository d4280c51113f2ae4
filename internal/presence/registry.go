// Package presence tracks which devices hold a live push connection and
// delivers events to them without blocking.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nuid"

	"github.com/smsrelay/backend/internal/metrics"
	"github.com/smsrelay/backend/internal/models"
)

const (
	EventNewTask       = "new-task"
	EventTaskCancelled = "task-cancelled"

	eventBuffer = 16
)

// Event is one server-to-worker message.
type Event struct {
	Type   string       `json:"type"`
	Task   *models.Task `json:"task,omitempty"`
	TaskID uuid.UUID    `json:"task_id"`
}

// Conn is a device's active connection. Events is drained by the stream
// handler until Done is closed.
type Conn struct {
	ID       string
	DeviceID uuid.UUID

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
}

func (c *Conn) Events() <-chan Event  { return c.events }
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Conn) offer(ev Event) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

// DeviceStatusStore persists online state and heartbeats.
type DeviceStatusStore interface {
	SetOnline(ctx context.Context, id uuid.UUID, online bool, now time.Time) error
	Touch(ctx context.Context, id uuid.UUID, now time.Time) error
}

// Bridge routes events to devices connected to other nodes.
type Bridge interface {
	Attach(deviceID uuid.UUID) error
	Detach(deviceID uuid.UUID)
	Deliver(ctx context.Context, deviceID uuid.UUID, ev Event) (bool, error)
}

// Registry maps device id to its current connection. It is created once in
// main and handed to the components that push.
type Registry struct {
	mu    sync.Mutex
	conns map[uuid.UUID]*Conn

	devices DeviceStatusStore
	bridge  Bridge
	logger  *slog.Logger
	now     func() time.Time
}

func NewRegistry(devices DeviceStatusStore, logger *slog.Logger) *Registry {
	return &Registry{
		conns:   make(map[uuid.UUID]*Conn),
		devices: devices,
		logger:  logger,
		now:     time.Now,
	}
}

// SetBridge enables cross-node delivery. Call before serving traffic.
func (r *Registry) SetBridge(b Bridge) { r.bridge = b }

// Connect registers a new connection for deviceID, replacing and closing any
// previous one, and marks the device online.
func (r *Registry) Connect(ctx context.Context, deviceID uuid.UUID) (*Conn, error) {
	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ID:       nuid.Next(),
		DeviceID: deviceID,
		events:   make(chan Event, eventBuffer),
		ctx:      connCtx,
		cancel:   cancel,
	}

	r.mu.Lock()
	prev, replaced := r.conns[deviceID]
	r.conns[deviceID] = c
	if !replaced {
		metrics.ConnectedDevices.Inc()
	}
	r.mu.Unlock()
	if replaced {
		prev.cancel()
	}

	if err := r.devices.SetOnline(ctx, deviceID, true, r.now()); err != nil {
		r.drop(deviceID, c.ID)
		return nil, err
	}
	if r.bridge != nil && !replaced {
		if err := r.bridge.Attach(deviceID); err != nil {
			r.logger.Warn("presence bridge attach failed", "device_id", deviceID, "error", err)
		}
	}
	r.logger.Info("device connected", "device_id", deviceID, "conn_id", c.ID)
	return c, nil
}

// Disconnect removes c if it is still the device's current connection and
// marks the device offline immediately. A stale connection that was already
// replaced is only closed.
func (r *Registry) Disconnect(ctx context.Context, c *Conn) {
	c.cancel()
	if !r.drop(c.DeviceID, c.ID) {
		return
	}
	if err := r.devices.SetOnline(ctx, c.DeviceID, false, r.now()); err != nil {
		r.logger.Error("mark device offline", "device_id", c.DeviceID, "error", err)
	}
	r.logger.Info("device disconnected", "device_id", c.DeviceID, "conn_id", c.ID)
}

// drop removes the mapping when connID matches, or unconditionally when connID is empty.
func (r *Registry) drop(deviceID uuid.UUID, connID string) bool {
	r.mu.Lock()
	cur, ok := r.conns[deviceID]
	if !ok || (connID != "" && cur.ID != connID) {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, deviceID)
	metrics.ConnectedDevices.Dec()
	r.mu.Unlock()

	cur.cancel()
	if r.bridge != nil {
		r.bridge.Detach(deviceID)
	}
	return true
}

// ReportStatus applies an explicit device-status event. Going offline closes
// the live connection.
func (r *Registry) ReportStatus(ctx context.Context, deviceID uuid.UUID, online bool) error {
	if err := r.devices.SetOnline(ctx, deviceID, online, r.now()); err != nil {
		return err
	}
	if !online {
		r.drop(deviceID, "")
	}
	return nil
}

func (r *Registry) Heartbeat(ctx context.Context, deviceID uuid.UUID) error {
	return r.devices.Touch(ctx, deviceID, r.now())
}

// Push offers task to the device. It never blocks: false means no live
// connection took it and the caller must fall back to the pull path.
func (r *Registry) Push(ctx context.Context, deviceID uuid.UUID, task *models.Task) bool {
	return r.send(ctx, deviceID, Event{Type: EventNewTask, Task: task, TaskID: task.ID})
}

// Cancel tells the device a task it held was reclaimed.
func (r *Registry) Cancel(ctx context.Context, deviceID, taskID uuid.UUID) bool {
	return r.send(ctx, deviceID, Event{Type: EventTaskCancelled, TaskID: taskID})
}

func (r *Registry) send(ctx context.Context, deviceID uuid.UUID, ev Event) bool {
	delivered, local := r.DeliverLocal(deviceID, ev)
	if !local && r.bridge != nil {
		var err error
		delivered, err = r.bridge.Deliver(ctx, deviceID, ev)
		if err != nil {
			r.logger.Warn("remote push failed", "device_id", deviceID, "event", ev.Type, "error", err)
		}
	}
	metrics.Pushes.WithLabelValues(ev.Type, metrics.Bool(delivered)).Inc()
	return delivered
}

// DeliverLocal hands ev to a connection on this node. local reports whether
// the device is connected here at all.
func (r *Registry) DeliverLocal(deviceID uuid.UUID, ev Event) (delivered, local bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[deviceID]
	if !ok {
		return false, false
	}
	return c.offer(ev), true
}

// Connected lists devices connected to this node.
func (r *Registry) Connected() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Close drops every connection without touching device state.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[uuid.UUID]*Conn)
	r.mu.Unlock()
	for _, c := range conns {
		c.cancel()
		metrics.ConnectedDevices.Dec()
	}
}
