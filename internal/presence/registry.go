package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/state"
)

// StateSource reports the local node's current state.
type StateSource interface {
	State() state.State
}

type NodeInfo struct {
	ID         string     `json:"id"`
	Role       string     `json:"role"`
	EngineMode string     `json:"engine_mode"`
	StateKind  state.Kind `json:"state_kind"`
	LastSeen   time.Time  `json:"last_seen"`
	Healthy    bool       `json:"healthy"`
}

// Registry announces this node on the bus and tracks every scribe node it
// hears from.
type Registry struct {
	cfg        config.NodeConfig
	engineMode string
	source     StateSource
	log        *slog.Logger
	bus        *bus.Client
	mu         sync.RWMutex
	nodes      map[string]*NodeInfo
	cancel     context.CancelFunc
	subs       []*nats.Subscription
	wg         sync.WaitGroup
	meter      metric.Meter
	clock      func() time.Time
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, engineMode string, source StateSource, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:        cfg,
		engineMode: engineMode,
		source:     source,
		log:        log.With(slog.String("component", "presence")),
		bus:        busClient,
		nodes:      make(map[string]*NodeInfo),
		meter:      otel.Meter("github.com/loqalabs/loqa-scribe/presence"),
		cancel:     cancel,
		clock:      time.Now,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.publish(protocol.SubjectNodeAnnounce); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.wg.Wait()
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnouncement)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeat+".*", r.handleAnnouncement)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publish(protocol.HeartbeatSubject(r.cfg.ID)); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) publish(subject string) error {
	msg := protocol.NodeAnnouncement{
		NodeID:     r.cfg.ID,
		Role:       r.cfg.Role,
		EngineMode: r.engineMode,
		StateKind:  r.source.State().Kind,
		Timestamp:  r.clock().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(subject, payload); err != nil {
		return err
	}
	r.update(msg)
	return nil
}

func (r *Registry) handleAnnouncement(msg *nats.Msg) {
	var ann protocol.NodeAnnouncement
	if err := json.Unmarshal(msg.Data, &ann); err != nil {
		r.log.Warn("invalid node announcement", slog.String("error", err.Error()))
		return
	}
	if ann.NodeID == "" {
		return
	}
	if ann.Timestamp.IsZero() {
		ann.Timestamp = r.clock().UTC()
	}
	r.update(ann)
}

func (r *Registry) update(ann protocol.NodeAnnouncement) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[ann.NodeID]
	if !ok {
		node = &NodeInfo{ID: ann.NodeID}
		r.nodes[ann.NodeID] = node
	}
	if ann.Role != "" {
		node.Role = ann.Role
	}
	if ann.EngineMode != "" {
		node.EngineMode = ann.EngineMode
	}
	if ann.StateKind != "" {
		node.StateKind = ann.StateKind
	}
	node.LastSeen = ann.Timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether this node's own heartbeats are being seen.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Nodes returns every known node sorted by id.
func (r *Registry) Nodes() []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]NodeInfo, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, *node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) initMetrics() error {
	nodes, err := r.meter.Int64ObservableGauge("scribe.presence.nodes", metric.WithDescription("Number of known scribe nodes"))
	if err != nil {
		return err
	}
	healthy, err := r.meter.Int64ObservableGauge("scribe.presence.healthy", metric.WithDescription("Number of scribe nodes with a recent heartbeat"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		total, ok := r.snapshotCounts()
		obs.ObserveInt64(nodes, total)
		obs.ObserveInt64(healthy, ok)
		return nil
	}, nodes, healthy)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total, healthy int64
	for _, node := range r.nodes {
		total++
		if node.Healthy {
			healthy++
		}
	}
	return total, healthy
}
