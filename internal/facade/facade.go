// Package facade implements the Operator Facade: the surface
// the surrounding shell drives to publish to nodes and manage the TLV
// command frame on from-node/to-node, with retry-over-reconnect and
// target resolution against either an allow-list or all Connected nodes.
package facade

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Topic suffixes published by the core.
const (
	SuffixConfig           = "config"
	SuffixParamsLocal      = "params/local"
	SuffixParamsLocalInit  = "params/local/init"
	SuffixParamsLocalGroup = "params/local/group"
	SuffixOTAFetch         = "otafetch"
	SuffixOTAStatus        = "otastatus"
	SuffixTSData           = "tsdata"
	SuffixSimpleTSData     = "simple_tsdata"
	SuffixUserMapping      = "user/mapping"
	SuffixAlert            = "alert"
	SuffixFromNode         = "from-node"
)

// Topic suffixes subscribed by the core.
const (
	SuffixParamsRemote = "params/remote"
	SuffixOTAURL       = "otaurl"
	SuffixToNode       = "to-node"
)

const (
	publishMaxAttempts = 3
	publishRetryDelay  = 1 * time.Second
)

// TLV frame keys: numeric-string keys on from-node/to-node.
const (
	TLVRequestID      = "1"
	TLVRole           = "2"
	TLVCommandCode    = "5"
	TLVCommandData    = "6"
	RoleAdmin         = 1
	RolePrimary       = 2
	RoleSecondary     = 4
)

// PublishSession is the narrow view of a session the facade needs.
type PublishSession interface {
	IsConnected() bool
	Reconnect() error
	Publish(topic string, payload []byte, qos byte, topicSuffix string) error
}

// SessionLookup resolves a node id to its live session, or false if the
// node has no session (not currently connected or never known).
type SessionLookup func(nodeID string) (PublishSession, bool)

// ConnectedNodeIDs lists every node currently in the Connected state.
type ConnectedNodeIDs func() []string

// Result is one node's outcome from a facade verb.
type Result struct {
	NodeID  string
	Success bool
	Err     error
}

// OTAStatusHook is invoked after a successful otastatus publish to one
// node, carrying the same payload that went out on the wire. The
// Application wires this to the OTA Job Store so publishing an otastatus
// update is what actually drives its Active -> History transition.
type OTAStatusHook func(nodeID string, payload map[string]interface{})

// KnownNode reports whether nodeID is a discovered identity. Used to
// reject publishes aimed at a node the Identity Store never saw.
type KnownNode func(nodeID string) bool

// Facade exposes the operator's verbs against the fleet.
type Facade struct {
	logger           *zap.Logger
	sessionFor       SessionLookup
	connectedNodeIDs ConnectedNodeIDs
	known            KnownNode

	otaStatusHook   OTAStatusHook
	onPublishAttempt func()
	onPublishFailure func()
}

// New builds a Facade. sessionFor and connectedNodeIDs are injected so the
// facade never reaches into the Pool's internals directly (it only needs
// the narrow PublishSession view and the Connected id set). known may be
// nil, in which case every node id is accepted.
func New(logger *zap.Logger, sessionFor SessionLookup, connectedNodeIDs ConnectedNodeIDs, known KnownNode) *Facade {
	return &Facade{logger: logger, sessionFor: sessionFor, connectedNodeIDs: connectedNodeIDs, known: known}
}

// SetOTAStatusHook installs the OTA Job Store callback.
func (f *Facade) SetOTAStatusHook(hook OTAStatusHook) {
	f.otaStatusHook = hook
}

// SetMetricsHooks installs the Metrics Registry counters for publish
// attempts and exhausted-retry failures.
func (f *Facade) SetMetricsHooks(onAttempt, onFailure func()) {
	f.onPublishAttempt = onAttempt
	f.onPublishFailure = onFailure
}

// resolveTargets returns an explicit allow-list, or
// (when nil) all currently-Connected nodes.
func (f *Facade) resolveTargets(allowList []string) []string {
	if allowList != nil {
		return allowList
	}
	return f.connectedNodeIDs()
}

// PublishToNodes composes node/<id>/<suffix> for each resolved target and
// publishes payload with retry-over-reconnect.
// allowList nil means "all currently Connected nodes".
func (f *Facade) PublishToNodes(allowList []string, suffix string, payload []byte, qos byte) []Result {
	targets := f.resolveTargets(allowList)
	results := make([]Result, 0, len(targets))

	for _, nodeID := range targets {
		err := f.publishOne(nodeID, suffix, payload, qos)
		results = append(results, Result{NodeID: nodeID, Success: err == nil, Err: err})
	}
	return results
}

func (f *Facade) publishOne(nodeID, suffix string, payload []byte, qos byte) error {
	if f.known != nil && !f.known(nodeID) {
		return fmt.Errorf("facade: node %s is not a known identity", nodeID)
	}

	sess, ok := f.sessionFor(nodeID)
	if !ok {
		return fmt.Errorf("facade: node %s has no active session", nodeID)
	}

	topic := "node/" + nodeID + "/" + suffix

	var lastErr error
	for attempt := 1; attempt <= publishMaxAttempts; attempt++ {
		if !sess.IsConnected() {
			if err := sess.Reconnect(); err != nil {
				lastErr = err
				if f.logger != nil {
					f.logger.Debug("facade: reconnect before publish failed",
						zap.String("node_id", nodeID), zap.Int("attempt", attempt), zap.Error(err))
				}
				if attempt < publishMaxAttempts {
					time.Sleep(publishRetryDelay)
				}
				continue
			}
		}

		if f.onPublishAttempt != nil {
			f.onPublishAttempt()
		}
		if err := sess.Publish(topic, payload, qos, suffix); err != nil {
			lastErr = err
			if attempt < publishMaxAttempts {
				time.Sleep(publishRetryDelay)
			}
			continue
		}
		return nil
	}

	if f.onPublishFailure != nil {
		f.onPublishFailure()
	}
	return fmt.Errorf("facade: publish to %s failed after %d attempts: %w", topic, publishMaxAttempts, lastErr)
}

// PublishJSON is a convenience wrapper marshaling v before delegating to
// PublishToNodes. The payload structure itself is opaque to the core
// payload validation is the caller's job.
func (f *Facade) PublishJSON(allowList []string, suffix string, v interface{}, qos byte) ([]Result, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("facade: marshal payload: %w", err)
	}
	results := f.PublishToNodes(allowList, suffix, payload, qos)

	if suffix == SuffixOTAStatus && f.otaStatusHook != nil {
		if m, ok := v.(map[string]interface{}); ok {
			for _, r := range results {
				if r.Success {
					f.otaStatusHook(r.NodeID, m)
				}
			}
		}
	}
	return results, nil
}

// TLVFrame builds the numeric-string-keyed command frame used on
// from-node/to-node.
func TLVFrame(requestID string, role int, commandCode int, commandData interface{}) map[string]interface{} {
	frame := map[string]interface{}{
		TLVRequestID:   requestID,
		TLVRole:        role,
		TLVCommandCode: commandCode,
	}
	if commandData != nil {
		frame[TLVCommandData] = commandData
	}
	return frame
}

// SendFromNodeFrame publishes a TLV command frame to node/<id>/from-node.
func (f *Facade) SendFromNodeFrame(allowList []string, requestID string, role, commandCode int, commandData interface{}) ([]Result, error) {
	return f.PublishJSON(allowList, SuffixFromNode, TLVFrame(requestID, role, commandCode, commandData), 0)
}
