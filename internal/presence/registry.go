// Package presence tracks the widget processes sharing a bus. Each node
// announces its capabilities once, then heartbeats; peers that stop
// heartbeating are marked unhealthy and eventually forgotten.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-chat/internal/bus"
	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// forgetAfter is how many heartbeat timeouts a silent peer is kept for.
const forgetAfter = 3

type Node struct {
	ID           string                `json:"id"`
	Role         string                `json:"role"`
	Capabilities []protocol.Capability `json:"capabilities"`
	LastSeen     time.Time             `json:"last_seen"`
	Healthy      bool                  `json:"healthy"`
	Local        bool                  `json:"local"`
}

// Has reports whether the node offers the named capability.
func (n Node) Has(name string) bool {
	for _, c := range n.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

type Registry struct {
	cfg          config.NodeConfig
	capabilities []protocol.Capability
	bus          *bus.Client
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription

	mu    sync.RWMutex
	nodes map[string]*Node

	metrics metric.Registration
}

func NewRegistry(parent context.Context, cfg config.NodeConfig, capabilities []protocol.Capability, busClient *bus.Client, logger *slog.Logger) *Registry {
	ctx, cancel := context.WithCancel(parent)
	return &Registry{
		cfg:          cfg,
		capabilities: capabilities,
		bus:          busClient,
		logger:       logger.With(slog.String("component", "presence"), slog.String("node_id", cfg.ID)),
		ctx:          ctx,
		cancel:       cancel,
		nodes:        make(map[string]*Node),
	}
}

// Start subscribes to peer traffic, announces this node and asks peers to
// announce themselves.
func (r *Registry) Start() error {
	conn := r.bus.Conn()
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectNodeAnnounce:                               r.handleAnnounce,
		protocol.Subject(protocol.SubjectNodeHeartbeatPrefix, "*"): r.handleHeartbeat,
		protocol.SubjectNodeQuery:                                  r.handleQuery,
	}
	for subject, handler := range handlers {
		sub, err := conn.Subscribe(subject, handler)
		if err != nil {
			r.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
	}

	if err := r.initMetrics(); err != nil {
		r.logger.Warn("failed to initialize presence metrics", slog.String("error", err.Error()))
	}

	r.markSeen(protocol.NodeAnnouncement{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.capabilities,
		Timestamp:    time.Now().UTC(),
	})
	if err := r.announce(); err != nil {
		r.logger.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	if err := conn.Publish(protocol.SubjectNodeQuery, nil); err != nil {
		r.logger.Warn("failed to query peers", slog.String("error", err.Error()))
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run()
	}()
	return nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	r.unsubscribe()
	if r.metrics != nil {
		_ = r.metrics.Unregister()
		r.metrics = nil
	}
}

func (r *Registry) unsubscribe() {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
}

func (r *Registry) run() {
	interval := time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.heartbeat(); err != nil {
				r.logger.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			r.evaluate(time.Now())
		}
	}
}

func (r *Registry) announce() error {
	payload, err := json.Marshal(protocol.NodeAnnouncement{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.capabilities,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(protocol.SubjectNodeAnnounce, payload)
}

func (r *Registry) heartbeat() error {
	payload, err := json.Marshal(protocol.NodeHeartbeat{NodeID: r.cfg.ID, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(protocol.Subject(protocol.SubjectNodeHeartbeatPrefix, r.cfg.ID), payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var ann protocol.NodeAnnouncement
	if err := json.Unmarshal(msg.Data, &ann); err != nil || ann.NodeID == "" {
		r.logger.Warn("invalid node announcement", slog.String("subject", msg.Subject))
		return
	}
	r.markSeen(ann)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.NodeHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.logger.Warn("invalid node heartbeat", slog.String("subject", msg.Subject))
		return
	}
	r.mu.Lock()
	node, ok := r.nodes[hb.NodeID]
	if ok {
		node.LastSeen = time.Now()
		node.Healthy = true
	}
	r.mu.Unlock()
	if !ok && hb.NodeID != r.cfg.ID {
		// A peer we never heard announce; ask everyone to repeat.
		_ = r.bus.Conn().Publish(protocol.SubjectNodeQuery, nil)
	}
}

func (r *Registry) handleQuery(_ *nats.Msg) {
	if err := r.announce(); err != nil {
		r.logger.Warn("failed to answer node query", slog.String("error", err.Error()))
	}
}

// markSeen records an announcement. LastSeen uses the local clock so peer
// clock skew does not affect health.
func (r *Registry) markSeen(ann protocol.NodeAnnouncement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[ann.NodeID]
	if !ok {
		node = &Node{ID: ann.NodeID, Local: ann.NodeID == r.cfg.ID}
		r.nodes[ann.NodeID] = node
		if !node.Local {
			r.logger.Info("peer discovered", slog.String("peer", ann.NodeID), slog.String("role", ann.Role))
		}
	}
	node.Role = ann.Role
	node.Capabilities = append([]protocol.Capability(nil), ann.Capabilities...)
	node.LastSeen = time.Now()
	node.Healthy = true
}

func (r *Registry) evaluate(now time.Time) {
	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, node := range r.nodes {
		silent := now.Sub(node.LastSeen)
		if !node.Local && silent > forgetAfter*timeout {
			delete(r.nodes, id)
			r.logger.Info("peer forgotten", slog.String("peer", id))
			continue
		}
		if silent > timeout && node.Healthy {
			node.Healthy = false
			r.logger.Warn("node missed heartbeats", slog.String("peer", id), slog.Duration("silent", silent))
		}
	}
}

// Healthy reports whether this node's own heartbeats are making the round
// trip through the bus.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Nodes lists known nodes sorted by ID. A nil filter matches every node.
func (r *Registry) Nodes(filter func(Node) bool) []Node {
	r.mu.RLock()
	out := make([]Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		n := *node
		n.Capabilities = append([]protocol.Capability(nil), node.Capabilities...)
		if filter == nil || filter(n) {
			out = append(out, n)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func WithCapability(name string) func(Node) bool {
	return func(n Node) bool { return n.Has(name) }
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-chat/presence")
	known, err := meter.Int64ObservableGauge("loqa_chat.nodes.known", metric.WithDescription("Nodes seen on the bus"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("loqa_chat.nodes.healthy", metric.WithDescription("Nodes with recent heartbeats"))
	if err != nil {
		return err
	}
	r.metrics, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		r.mu.RLock()
		defer r.mu.RUnlock()
		var up int64
		for _, node := range r.nodes {
			if node.Healthy {
				up++
			}
		}
		obs.ObserveInt64(known, int64(len(r.nodes)))
		obs.ObserveInt64(healthy, up)
		return nil
	}, known, healthy)
	return err
}
