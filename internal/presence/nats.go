package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	deviceSubjectPrefix = "presence.device."
	// DispatchSubject announces newly queued work to every node.
	DispatchSubject = "presence.dispatch"

	defaultDeliverTimeout = 2 * time.Second
)

// NATSBridge lets any node push to a device connected elsewhere. The node
// holding a device subscribes to presence.device.<id> and answers each
// request with whether its local connection accepted the event. No
// subscriber means the device is not connected anywhere.
type NATSBridge struct {
	nc       *nats.Conn
	registry *Registry
	nodeID   string
	timeout  time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	subs map[uuid.UUID]*nats.Subscription
}

type deliverReply struct {
	Delivered bool   `json:"delivered"`
	NodeID    string `json:"node_id"`
}

func NewNATSBridge(nc *nats.Conn, registry *Registry, nodeID string, logger *slog.Logger) *NATSBridge {
	return &NATSBridge{
		nc:       nc,
		registry: registry,
		nodeID:   nodeID,
		timeout:  defaultDeliverTimeout,
		logger:   logger,
		subs:     make(map[uuid.UUID]*nats.Subscription),
	}
}

var _ Bridge = (*NATSBridge)(nil)

func deviceSubject(deviceID uuid.UUID) string {
	return deviceSubjectPrefix + deviceID.String()
}

func (b *NATSBridge) Attach(deviceID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[deviceID]; ok {
		return nil
	}
	sub, err := b.nc.Subscribe(deviceSubject(deviceID), func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Warn("presence bridge: bad event", "device_id", deviceID, "error", err)
			return
		}
		delivered, _ := b.registry.DeliverLocal(deviceID, ev)
		reply, _ := json.Marshal(deliverReply{Delivered: delivered, NodeID: b.nodeID})
		if err := msg.Respond(reply); err != nil {
			b.logger.Warn("presence bridge: respond failed", "device_id", deviceID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", deviceSubject(deviceID), err)
	}
	b.subs[deviceID] = sub
	return nil
}

func (b *NATSBridge) Detach(deviceID uuid.UUID) {
	b.mu.Lock()
	sub, ok := b.subs[deviceID]
	delete(b.subs, deviceID)
	b.mu.Unlock()
	if ok {
		_ = sub.Unsubscribe()
	}
}

func (b *NATSBridge) Deliver(ctx context.Context, deviceID uuid.UUID, ev Event) (bool, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	msg, err := b.nc.RequestWithContext(ctx, deviceSubject(deviceID), data)
	if errors.Is(err, nats.ErrNoResponders) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var reply deliverReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return false, fmt.Errorf("decode deliver reply: %w", err)
	}
	return reply.Delivered, nil
}

// AnnounceDispatch tells every node that n tasks were queued.
func (b *NATSBridge) AnnounceDispatch(n int) error {
	return b.nc.Publish(DispatchSubject, []byte(strconv.Itoa(n)))
}

// OnDispatch runs fn for every dispatch announcement, including this node's own.
func (b *NATSBridge) OnDispatch(fn func(n int)) (*nats.Subscription, error) {
	return b.nc.Subscribe(DispatchSubject, func(msg *nats.Msg) {
		n, err := strconv.Atoi(string(msg.Data))
		if err != nil || n <= 0 {
			return
		}
		fn(n)
	})
}

// Close drops every device subscription.
func (b *NATSBridge) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uuid.UUID]*nats.Subscription)
	b.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

// Connect dials NATS, retrying until timeout elapses.
func Connect(url, name string, timeout time.Duration) (*nats.Conn, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		nc, err := nats.Connect(url, nats.Name(name))
		if err == nil {
			return nc, nil
		}
		lastErr = err
		time.Sleep(500 * time.Millisecond)
	}
	return nil, fmt.Errorf("connect nats timeout after %s: %w", timeout, lastErr)
}
