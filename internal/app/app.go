// Package app wires the Connection Pool, Adaptive Monitor, Subscription
// Manager, OTA Job Store, Session State Store, Operator Facade, Metrics
// Registry, Event Mirror, and Status Broadcaster into one explicit value
// that its caller constructs once and threads through explicitly —
// nothing here is package-level mutable state.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/rmfleet/rmfleet/internal/eventbus"
	"github.com/rmfleet/rmfleet/internal/facade"
	"github.com/rmfleet/rmfleet/internal/httpapi"
	"github.com/rmfleet/rmfleet/internal/identity"
	"github.com/rmfleet/rmfleet/internal/metrics"
	"github.com/rmfleet/rmfleet/internal/monitor"
	"github.com/rmfleet/rmfleet/internal/ota"
	"github.com/rmfleet/rmfleet/internal/pool"
	"github.com/rmfleet/rmfleet/internal/resilience"
	"github.com/rmfleet/rmfleet/internal/session"
	"github.com/rmfleet/rmfleet/internal/statestore"
	"github.com/rmfleet/rmfleet/internal/subscription"
)

// Config bundles everything needed to build an Application.
type Config struct {
	Broker              string
	ConfigDir           string
	CertBase            string // root directory of node cert material, recorded in active_config.json
	PoolConfig          pool.Config
	MaxConcurrentMonitors int
	MaxSubscriptions    int
	HighPrioritySeedCount int // first N bring-up successes seeded at monitor.High (scenario 1)
	MetricsAddr         string
	EventBus            eventbus.Config
}

// Application owns every long-lived collaborator. There is exactly one
// instance per process, constructed by cmd/rmfleetd and passed explicitly
// — never reached via a package-level variable.
type Application struct {
	logger *zap.Logger
	cfg    Config

	Identity     *identity.Store
	Pool         *pool.Pool
	Monitor      *monitor.Monitor
	Subs         *subscription.Manager
	OTA          *ota.Store
	State        *statestore.Store
	Facade       *facade.Facade
	Metrics      *metrics.Registry
	promRegistry *prometheus.Registry
	Events       *eventbus.Mirror
	Hub          *httpapi.Hub
	httpServer   *httpapi.Server

	sessionStartTS time.Time
}

// New constructs every collaborator and wires the one-way callback hooks:
// the Pool never references the Monitor, Subscription Manager, or Session
// State Store directly — it only invokes OnConnected/OnDisconnected.
func New(cfg Config, logger *zap.Logger) *Application {
	a := &Application{
		logger:         logger,
		cfg:            cfg,
		sessionStartTS: time.Now(),
	}

	a.Identity = identity.NewStore()
	a.Monitor = monitor.New(logger, cfg.MaxConcurrentMonitors, a.monitorHealthCheck)
	a.Subs = subscription.New(logger, cfg.MaxSubscriptions)
	a.OTA = ota.New(cfg.ConfigDir, logger)
	a.State = statestore.New(cfg.ConfigDir, cfg.Broker, cfg.CertBase, a.sessionStartTS, logger)
	a.Metrics, a.promRegistry = metrics.New()
	a.Events = eventbus.New(cfg.EventBus, logger)
	a.Hub = httpapi.NewHub(logger)

	a.Monitor.SetLevelChangeCallback(func(nodeID string, level monitor.Level) {
		a.Metrics.MonitorLevel.WithLabelValues(nodeID).Set(float64(level))
	})
	a.OTA.SetActiveCountCallback(func(count int) {
		a.Metrics.OTAActiveJobs.Set(float64(count))
	})
	a.Subs.SetEvictCallback(func(nodeID, topicSuffix string) {
		a.Metrics.SubscriptionEvicts.Inc()
		a.publishEvent(eventbus.ConnectorEvent{
			Type:      eventbus.EventSubscriptionEvicted,
			NodeID:    nodeID,
			Timestamp: time.Now(),
			Detail:    map[string]interface{}{"topic_suffix": topicSuffix},
		})
	})

	a.Pool = pool.New(
		cfg.PoolConfig,
		logger,
		a.sessionFactory,
		a.onConnected,
		a.onDisconnected,
	)
	a.Pool.SetConnectAttemptHook(func() {
		a.Metrics.ConnectAttempts.Inc()
	})

	a.Facade = facade.New(logger, a.sessionForFacade, a.Pool.ConnectedNodeIDs, a.Known)
	a.Facade.SetOTAStatusHook(a.HandleOTAStatus)
	a.Facade.SetMetricsHooks(
		func() { a.Metrics.PublishAttempts.Inc() },
		func() { a.Metrics.PublishFailures.Inc() },
	)

	if cfg.MetricsAddr != "" {
		a.httpServer = httpapi.NewServer(cfg.MetricsAddr, a.Hub, metrics.Handler(a.promRegistry), a.healthCheck, logger)
	}

	return a
}

// Known reports whether nodeID was discovered by BringUp.
func (a *Application) Known(nodeID string) bool {
	_, ok := a.Identity.Get(nodeID)
	return ok
}

// publishEvent fans a lifecycle event out to both the Event Mirror and the
// Status Broadcaster's websocket hub.
func (a *Application) publishEvent(evt eventbus.ConnectorEvent) {
	a.Events.Publish(evt)
	data, err := json.Marshal(evt)
	if err != nil {
		a.logger.Warn("app: failed to marshal status broadcast", zap.Error(err))
		return
	}
	a.Hub.Broadcast(data)
}

func (a *Application) sessionFactory(ni identity.NodeIdentity) (pool.Handle, error) {
	return session.New(ni, session.Config{
		Broker:               a.cfg.Broker,
		ConnectTimeout:       a.cfg.PoolConfig.ConnectionTimeout,
		OperationTimeout:     a.cfg.PoolConfig.OperationTimeout,
		KeepAlive:            a.cfg.PoolConfig.ESPKeepAliveTime,
		OnBreakerStateChange: a.onBreakerStateChange(ni.NodeID),
	}, a.logger)
}

// onBreakerStateChange mirrors a session's publish/probe breaker trips
// and recoveries into the Metrics Registry and the Event Mirror.
func (a *Application) onBreakerStateChange(nodeID string) resilience.StateChangeFunc {
	return func(from, to resilience.State) {
		switch to {
		case resilience.StateOpen:
			a.Metrics.BreakerTrips.WithLabelValues(nodeID).Inc()
			a.publishEvent(eventbus.ConnectorEvent{Type: eventbus.EventCircuitOpened, NodeID: nodeID, Timestamp: time.Now()})
		case resilience.StateClosed:
			a.publishEvent(eventbus.ConnectorEvent{Type: eventbus.EventCircuitClosed, NodeID: nodeID, Timestamp: time.Now()})
		}
	}
}

// onConnected is the Pool's one-way hook: fans out to the
// Monitor, the Session State Store, the subscription manager's session
// registry, the Metrics Registry, and the Event Mirror, with no back
// reference from the Pool to any of them.
func (a *Application) onConnected(nodeID string, sess pool.Handle) {
	level := monitor.Normal
	if len(a.Pool.ConnectedNodeIDs()) <= a.cfg.HighPrioritySeedCount {
		level = monitor.High
	}
	a.Monitor.AddNode(nodeID, level, []string{facade.SuffixParamsRemote, facade.SuffixOTAURL, facade.SuffixToNode})
	a.Subs.RegisterSession(nodeID, sess)
	a.State.OnConnected(nodeID, sess.CertPath(), sess.KeyPath())
	a.Metrics.ConnectSuccesses.Inc()
	a.Metrics.SessionState.WithLabelValues(nodeID, "connected").Set(1)
	a.publishEvent(eventbus.ConnectorEvent{
		Type:      eventbus.EventNodeConnected,
		NodeID:    nodeID,
		Timestamp: time.Now(),
	})

	topics := []string{facade.SuffixParamsRemote, facade.SuffixOTAURL, facade.SuffixToNode}
	priority := a.subscriptionPriority(nodeID)
	if err := a.Subs.SubscribeNodeTopics(nodeID, topics, priority, a.subscribeFunc(sess)); err != nil {
		a.logger.Warn("app: initial subscribe failed", zap.String("node_id", nodeID), zap.Error(err))
	}
}

// subscriptionPriority derives a node's eviction priority from the
// Adaptive Monitor's GetPriorityNodes ordering: a node ranked earlier
// there (sicker, or a higher tier) gets a higher priority value here, so
// the Subscription Manager evicts the healthiest/quietest nodes first
// when slots are scarce.
func (a *Application) subscriptionPriority(nodeID string) int {
	ranked := a.Monitor.GetPriorityNodes()
	for i, id := range ranked {
		if id == nodeID {
			return len(ranked) - i
		}
	}
	return 0
}

// subscribeFunc adapts a connected session into the Subscription
// Manager's SubscribeFunc shape.
func (a *Application) subscribeFunc(sess pool.Handle) subscription.SubscribeFunc {
	return func(nodeID, topicSuffix string) error {
		topic := "node/" + nodeID + "/" + topicSuffix
		return sess.Subscribe(topic, 0, a.onNodeMessage(nodeID, topicSuffix))
	}
}

// onDisconnected is the Pool's other one-way hook.
func (a *Application) onDisconnected(nodeID string) {
	a.Monitor.RemoveNode(nodeID)
	a.Subs.UnregisterSession(nodeID)
	a.State.OnDisconnected(nodeID)
	a.Metrics.SessionState.WithLabelValues(nodeID, "connected").Set(0)
	a.publishEvent(eventbus.ConnectorEvent{
		Type:      eventbus.EventNodeDisconnected,
		NodeID:    nodeID,
		Timestamp: time.Now(),
	})
}

// onNodeMessage is the on_message(node_id, topic_suffix, payload) hook:
// inbound messages drive the OTA Job Store and otherwise are
// handed to whatever collaborator supplied a sink (here: logged).
func (a *Application) onNodeMessage(nodeID, topicSuffix string) session.MessageHandler {
	return func(topic string, payload []byte) {
		switch topicSuffix {
		case facade.SuffixOTAURL:
			var decoded map[string]interface{}
			if err := json.Unmarshal(payload, &decoded); err != nil {
				a.logger.Warn("app: malformed otaurl payload", zap.String("node_id", nodeID), zap.Error(err))
				return
			}
			a.OTA.OnOTAURL(nodeID, decoded)
		default:
			a.logger.Debug("app: inbound message", zap.String("node_id", nodeID), zap.String("topic", topic))
		}
	}
}

// HandleOTAStatus is invoked when the operator publishes an otastatus
// update (the core's own publish, reflected back for bookkeeping) —
// wired explicitly rather than inferred from the wire, since otastatus is
// an outbound-only topic.
func (a *Application) HandleOTAStatus(nodeID string, payload map[string]interface{}) {
	jobID, _ := payload["ota_job_id"].(string)
	_, wasActive := a.OTA.ActiveJob(nodeID, jobID)
	a.OTA.OnStatusUpdate(nodeID, payload)
	_, stillActive := a.OTA.ActiveJob(nodeID, jobID)
	if status, _ := payload["status"].(string); wasActive && !stillActive {
		a.Metrics.OTACompletedJobs.WithLabelValues(status).Inc()
		a.publishEvent(eventbus.ConnectorEvent{
			Type:      eventbus.EventOTATerminal,
			NodeID:    nodeID,
			Timestamp: time.Now(),
			Detail:    map[string]interface{}{"status": status},
		})
	}
}

func (a *Application) sessionForFacade(nodeID string) (facade.PublishSession, bool) {
	return a.Pool.Session(nodeID)
}

// monitorHealthCheck is the Adaptive Monitor's per-node probe, delegating
// to the session's cached liveness check.
func (a *Application) monitorHealthCheck(nodeID string) bool {
	sess, ok := a.Pool.Session(nodeID)
	if !ok {
		return false
	}
	return sess.IsConnected()
}

func (a *Application) healthCheck() bool {
	return true // liveness only; never dials the broker
}

// BringUp discovers and connects every node under roots, returning
// (successful, total). Exit code 1 is the caller's responsibility
// when total == 0 or successful == 0.
func (a *Application) BringUp(ctx context.Context, roots []string, globalCertsDir string) (int, int, error) {
	var missing []string
	nodes := identity.Walk(roots, globalCertsDir, func(nodeID, reason string) {
		missing = append(missing, fmt.Sprintf("%s: %s", nodeID, reason))
	})
	if len(missing) > 0 {
		a.logger.Warn("app: nodes skipped, identity incomplete", zap.Strings("nodes", missing))
	}

	for _, ni := range nodes {
		if err := a.Identity.Add(ni); err != nil {
			a.logger.Warn("app: discovered identity rejected", zap.String("node_id", ni.NodeID), zap.Error(err))
		}
	}

	successful, total := a.Pool.BringUp(ctx, nodes)
	return successful, total, nil
}

// ServeHTTP starts the metrics/healthz/websocket listener, if configured.
func (a *Application) ServeHTTP(ctx context.Context) {
	if a.httpServer != nil {
		go a.httpServer.Start(ctx)
	}
}

// Shutdown performs a fast, silent shutdown: stop the Monitor, stop the
// Pool (fire-and-forget disconnects), truncate the Session State Store,
// close the Event Mirror. Must complete within the shutdown grace period.
func (a *Application) Shutdown() {
	a.Monitor.Stop()
	a.Pool.Shutdown()
	a.State.Shutdown()
	a.Events.Close()
}
