// Package statestore implements the Session State Store: a
// truncate-on-start/exit active session scaffold plus an append-only
// per-node connect/disconnect history.
package statestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// NodeActiveState is one node's entry inside active_config.json.
type NodeActiveState struct {
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	Status         string     `json:"status"`
	CertPath       string     `json:"cert_path"`
	KeyPath        string     `json:"key_path"`
}

// ActiveConfig is the full active_config.json document.
type ActiveConfig struct {
	SessionStartTS time.Time                  `json:"session_start_ts"`
	Broker         string                     `json:"broker"`
	CertBase       string                     `json:"cert_base"`
	Nodes          map[string]NodeActiveState `json:"nodes"`
}

// HistoryEvent is one append-only entry in config_history.json.
type HistoryEvent struct {
	Action    string    `json:"action"` // "connected" | "disconnected"
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	CertPath  string    `json:"cert_path,omitempty"`
	KeyPath   string    `json:"key_path,omitempty"`
	Broker    string    `json:"broker,omitempty"`
	CertBase  string    `json:"cert_base,omitempty"`
}

// HistoryConfig is the full config_history.json document.
type HistoryConfig struct {
	Nodes map[string][]HistoryEvent `json:"nodes"`
}

// Store owns active_config.json and config_history.json under dir. Single
// writer.
type Store struct {
	logger *zap.Logger

	activePath  string
	historyPath string

	mu      sync.Mutex
	active  ActiveConfig
	history HistoryConfig
}

// New truncates active_config.json to a fresh scaffold and loads (or
// initializes empty) config_history.json. The session ID is the current
// active session's session_start_ts.
func New(dir, broker, certBase string, sessionStart time.Time, logger *zap.Logger) *Store {
	s := &Store{
		logger:      logger,
		activePath:  filepath.Join(dir, "active_config.json"),
		historyPath: filepath.Join(dir, "config_history.json"),
	}

	s.active = ActiveConfig{
		SessionStartTS: sessionStart,
		Broker:         broker,
		CertBase:       certBase,
		Nodes:          make(map[string]NodeActiveState),
	}
	s.writeActiveLocked()

	s.history = loadHistory(s.historyPath, logger)
	return s
}

func loadHistory(path string, logger *zap.Logger) HistoryConfig {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) && logger != nil {
			logger.Warn("statestore: failed to read history, treating as empty", zap.Error(err))
		}
		return HistoryConfig{Nodes: make(map[string][]HistoryEvent)}
	}
	var h HistoryConfig
	if err := json.Unmarshal(raw, &h); err != nil {
		if logger != nil {
			logger.Warn("statestore: malformed history file, treating as empty", zap.Error(err))
		}
		return HistoryConfig{Nodes: make(map[string][]HistoryEvent)}
	}
	if h.Nodes == nil {
		h.Nodes = make(map[string][]HistoryEvent)
	}
	return h
}

func (s *Store) sessionID() string {
	return s.active.SessionStartTS.Format(time.RFC3339Nano)
}

func (s *Store) writeActiveLocked() {
	data, err := json.MarshalIndent(s.active, "", "  ")
	if err != nil {
		if s.logger != nil {
			s.logger.Error("statestore: failed to marshal active config", zap.Error(err))
		}
		return
	}
	if err := os.WriteFile(s.activePath, data, 0644); err != nil && s.logger != nil {
		s.logger.Error("statestore: failed to write active config", zap.Error(err))
	}
}

func (s *Store) writeHistoryLocked() {
	data, err := json.MarshalIndent(s.history, "", "  ")
	if err != nil {
		if s.logger != nil {
			s.logger.Error("statestore: failed to marshal history", zap.Error(err))
		}
		return
	}
	if err := os.WriteFile(s.historyPath, data, 0644); err != nil && s.logger != nil {
		s.logger.Error("statestore: failed to write history", zap.Error(err))
	}
}

// OnConnected records a node connect in both active and history.
func (s *Store) OnConnected(nodeID, certPath, keyPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.active.Nodes[nodeID] = NodeActiveState{
		ConnectedAt: now,
		Status:      "connected",
		CertPath:    certPath,
		KeyPath:     keyPath,
	}
	s.writeActiveLocked()

	s.history.Nodes[nodeID] = append(s.history.Nodes[nodeID], HistoryEvent{
		Action:    "connected",
		Timestamp: now,
		SessionID: s.sessionID(),
		CertPath:  certPath,
		KeyPath:   keyPath,
		Broker:    s.active.Broker,
		CertBase:  s.active.CertBase,
	})
	s.writeHistoryLocked()
}

// OnDisconnected stamps disconnected_at/status in active and appends a
// disconnected event to history.
func (s *Store) OnDisconnected(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if ns, ok := s.active.Nodes[nodeID]; ok {
		ns.DisconnectedAt = &now
		ns.Status = "disconnected"
		s.active.Nodes[nodeID] = ns
		s.writeActiveLocked()
	}

	s.history.Nodes[nodeID] = append(s.history.Nodes[nodeID], HistoryEvent{
		Action:    "disconnected",
		Timestamp: now,
		SessionID: s.sessionID(),
		Broker:    s.active.Broker,
		CertBase:  s.active.CertBase,
	})
	s.writeHistoryLocked()
}

// Shutdown truncates active_config.json back to an empty-nodes scaffold
// — mirrors the truncate-on-start behavior on process exit too.
func (s *Store) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active.Nodes = make(map[string]NodeActiveState)
	s.writeActiveLocked()
}

// SessionID returns this session's session_start_ts-derived identifier.
func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID()
}
