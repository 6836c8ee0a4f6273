// Package session owns the OPC UA connection lifecycle. One goroutine runs
// the state machine Disconnected → Connecting → Subscribed → Degraded →
// Connecting…, reconciles the live monitored-item set against the tag
// registry, and hands every notification to the normalizer and dispatcher.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/TailGuy/opcbridge/internal/domain"
	"github.com/TailGuy/opcbridge/internal/normalize"
	"github.com/TailGuy/opcbridge/internal/ports"
)

// errPermanent marks failures that retrying cannot fix (bad endpoint URL,
// rejected security configuration). The manager reports them and stops
// instead of looping forever.
var errPermanent = errors.New("permanent session error")

// subscription is the slice of *opcua.Subscription the reconciler drives,
// split out so the diff logic is testable without a live server.
type subscription interface {
	Monitor(ctx context.Context, ts ua.TimestampsToReturn, items ...*ua.MonitoredItemCreateRequest) (*ua.CreateMonitoredItemsResponse, error)
	Unmonitor(ctx context.Context, ids ...uint32) (*ua.DeleteMonitoredItemsResponse, error)
}

var _ subscription = (*opcua.Subscription)(nil)

// monItem is the runtime binding between a TagDefinition and an active
// monitored item. Destroyed and recreated whenever its definition changes
// or the session reconnects.
type monItem struct {
	def    domain.TagDefinition
	handle uint32
	itemID uint32
}

type Manager struct {
	cfg      Config
	tags     ports.TagSource
	dispatch func(*domain.MeasurementRecord)
	obs      ports.Observability

	state        atomic.Int32
	errMu        sync.Mutex
	lastErr      string
	onTransition func(domain.SessionState)

	// Below are only touched by the session goroutine.
	seq        map[string]uint64
	nextHandle uint32
}

func NewManager(cfg Config, tags ports.TagSource, dispatch func(*domain.MeasurementRecord), obs ports.Observability) (*Manager, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tags == nil {
		return nil, errors.New("tag source is required")
	}
	if dispatch == nil {
		return nil, errors.New("dispatch func is required")
	}
	return &Manager{
		cfg:      cfg,
		tags:     tags,
		dispatch: dispatch,
		obs:      obs,
		seq:      make(map[string]uint64),
	}, nil
}

// OnTransition installs a state listener. It is invoked inline and must
// not block; reconnection logic does not wait for it.
func (m *Manager) OnTransition(fn func(domain.SessionState)) {
	m.onTransition = fn
}

// State returns the current session state.
func (m *Manager) State() domain.SessionState {
	return domain.SessionState(m.state.Load())
}

// LastError returns the most recent session failure, for status reporting.
func (m *Manager) LastError() string {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.lastErr
}

// Run drives the state machine until the context is cancelled or the retry
// ceiling is exhausted. It never panics the process: an unrecoverable
// endpoint leaves the manager Disconnected with the error recorded so an
// operator can correct the configuration.
func (m *Manager) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			m.setState(domain.SessionDisconnected)
			return
		}

		m.setState(domain.SessionConnecting)
		subscribed, err := m.runSession(ctx)
		if ctx.Err() != nil {
			m.setState(domain.SessionDisconnected)
			return
		}
		if err == nil {
			m.setState(domain.SessionDisconnected)
			return
		}

		m.recordError(err)
		if errors.Is(err, errPermanent) {
			m.obs.LogCritical("session_unrecoverable", err,
				ports.Field{Key: "endpoint", Value: m.cfg.Endpoint})
			m.setState(domain.SessionDisconnected)
			return
		}

		if subscribed {
			attempt = 0
		}
		attempt++
		m.obs.IncCounter("opcbridge_session_reconnects_total", 1)
		if m.cfg.Reconnect.Exhausted(attempt) {
			m.obs.LogCritical("session_retries_exhausted", err,
				ports.Field{Key: "attempts", Value: attempt})
			m.setState(domain.SessionDisconnected)
			return
		}

		m.obs.LogError("session_lost", err, ports.Field{Key: "attempt", Value: attempt})
		m.setState(domain.SessionDegraded)
		if !m.cfg.Reconnect.Sleep(ctx, attempt) {
			m.setState(domain.SessionDisconnected)
			return
		}
	}
}

// runSession owns one connect→subscribe→reconcile cycle. It returns when
// the context is cancelled (nil error) or the session fails. The bool
// reports whether the session ever reached Subscribed, which resets the
// reconnect attempt counter.
func (m *Manager) runSession(ctx context.Context) (bool, error) {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(m.cfg.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(m.cfg.SecurityPolicy)),
		opcua.ApplicationName(m.cfg.ApplicationName),
	}
	if m.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(m.cfg.Username, m.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}

	client, err := opcua.NewClient(m.cfg.Endpoint, opts...)
	if err != nil {
		return false, fmt.Errorf("%w: new client: %v", errPermanent, err)
	}
	if err := client.Connect(ctx); err != nil {
		return false, fmt.Errorf("connect %s: %w", m.cfg.Endpoint, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Close(closeCtx)
	}()

	notifyCh := make(chan *opcua.PublishNotificationData, 64)
	sub, err := client.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval: m.cfg.PublishInterval,
	}, notifyCh)
	if err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	defer func() {
		cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sub.Cancel(cancelCtx)
	}()

	connectedAt := time.Now()
	items := make(map[string]monItem)
	handleIndex := make(map[uint32]string)

	rev := m.tags.Revision()
	if err := m.reconcile(ctx, sub, items, handleIndex); err != nil {
		return false, err
	}

	m.setState(domain.SessionSubscribed)
	m.obs.LogInfo("session_subscribed",
		ports.Field{Key: "endpoint", Value: m.cfg.Endpoint},
		ports.Field{Key: "tags", Value: len(items)})

	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case <-ticker.C:
			cur := m.tags.Revision()
			if cur == rev {
				continue
			}
			if err := m.reconcile(ctx, sub, items, handleIndex); err != nil {
				return true, err
			}
			rev = cur
		case notif := <-notifyCh:
			if notif == nil {
				continue
			}
			if notif.Error != nil {
				return true, fmt.Errorf("publish notification: %w", notif.Error)
			}
			m.handleNotification(notif.Value, items, handleIndex, connectedAt)
		}
	}
}

// reconcile diffs the live monitored items against the desired tag set and
// applies the minimal set of changes. A tag whose definition changed is
// destroyed and recreated. A tag with an unparsable node ID is skipped and
// logged; it must not take the session down.
func (m *Manager) reconcile(ctx context.Context, sub subscription, items map[string]monItem, handleIndex map[uint32]string) error {
	desired := make(map[string]domain.TagDefinition)
	for _, d := range m.tags.List() {
		desired[d.NodeID] = d
	}

	for nodeID, item := range items {
		d, ok := desired[nodeID]
		if ok && d == item.def {
			delete(desired, nodeID) // unchanged, keep as is
			continue
		}
		if _, err := sub.Unmonitor(ctx, item.itemID); err != nil {
			return fmt.Errorf("unmonitor %q: %w", nodeID, err)
		}
		delete(items, nodeID)
		delete(handleIndex, item.handle)
		// A changed definition stays in desired and is recreated below.
	}

	for nodeID, d := range desired {
		parsed, err := ua.ParseNodeID(nodeID)
		if err != nil {
			m.obs.LogError("tag_node_id_invalid", err, ports.Field{Key: "node_id", Value: nodeID})
			continue
		}
		m.nextHandle++
		handle := m.nextHandle
		req := opcua.NewMonitoredItemCreateRequestWithDefaults(parsed, ua.AttributeIDValue, handle)
		req.RequestedParameters.SamplingInterval = float64(d.Interval / time.Millisecond)

		res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
		if err != nil {
			return fmt.Errorf("monitor %q: %w", nodeID, err)
		}
		if len(res.Results) == 0 {
			return fmt.Errorf("monitor %q: empty result", nodeID)
		}
		if res.Results[0].StatusCode != ua.StatusOK {
			m.obs.LogError("tag_monitor_rejected", res.Results[0].StatusCode,
				ports.Field{Key: "node_id", Value: nodeID})
			continue
		}
		items[nodeID] = monItem{def: d, handle: handle, itemID: res.Results[0].MonitoredItemID}
		handleIndex[handle] = nodeID
	}

	m.obs.SetGauge("opcbridge_monitored_items", float64(len(items)))
	return nil
}

func (m *Manager) handleNotification(val any, items map[string]monItem, handleIndex map[uint32]string, connectedAt time.Time) {
	data, ok := val.(*ua.DataChangeNotification)
	if !ok {
		return
	}
	now := time.Now()
	for _, item := range data.MonitoredItems {
		nodeID, ok := handleIndex[item.ClientHandle]
		if !ok {
			continue
		}
		mon, ok := items[nodeID]
		if !ok {
			continue
		}
		m.seq[nodeID]++
		rec := normalize.Record(normalize.RawUpdate{
			Def:         mon.def,
			Value:       item.Value,
			Seq:         m.seq[nodeID],
			ConnectedAt: connectedAt,
			ReceivedAt:  now,
		})
		m.dispatch(rec)
	}
}

func (m *Manager) setState(s domain.SessionState) {
	old := domain.SessionState(m.state.Swap(int32(s)))
	if old == s {
		return
	}
	m.obs.SetGauge("opcbridge_session_state", float64(s))
	m.obs.LogInfo("session_state",
		ports.Field{Key: "from", Value: old.String()},
		ports.Field{Key: "to", Value: s.String()})
	if m.onTransition != nil {
		m.onTransition(s)
	}
}

func (m *Manager) recordError(err error) {
	m.errMu.Lock()
	m.lastErr = err.Error()
	m.errMu.Unlock()
}
