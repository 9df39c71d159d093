// Package ota implements the OTA Job Store: two durable JSON
// partitions, Active and History, with a one-way state machine driven by
// inbound otaurl payloads and operator otastatus updates.
package ota

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// terminalStatuses are the otastatus values that move a job from Active
// into History. "in-progress" is explicitly excluded: it leaves the job
// Active.
var terminalStatuses = map[string]bool{
	"success":  true,
	"failed":   true,
	"rejected": true,
	"delayed":  true,
}

// Record is a JSON document preserving all fields of the inbound
// URL-response payload plus injected timestamps. Unknown fields from the
// wire payload round-trip through Extra.
type Record struct {
	OTAJobID    string                 `json:"ota_job_id"`
	URL         string                 `json:"url,omitempty"`
	FWVersion   string                 `json:"fw_version,omitempty"`
	Status      string                 `json:"ota_status,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// partition is node_id -> ota_job_id -> record.
type partition map[string]map[string]Record

// Store owns both durable partitions, serialized by a single mutex: one
// writer at a time, short critical section around each read-modify-write;
// one mutex covers both partitions since a status update touches Active
// and History together.
type Store struct {
	logger *zap.Logger

	activePath  string
	historyPath string

	mu      sync.Mutex
	active  partition
	history partition

	onActiveCountChange func(count int)
}

// SetActiveCountCallback installs a hook fired after every mutation of the
// Active partition, carrying the total job count across all nodes — used
// to mirror the OTAActiveJobs gauge in the Metrics Registry.
func (s *Store) SetActiveCountCallback(fn func(count int)) {
	s.onActiveCountChange = fn
}

func (s *Store) notifyActiveCountLocked() {
	if s.onActiveCountChange == nil {
		return
	}
	n := 0
	for _, jobs := range s.active {
		n += len(jobs)
	}
	s.onActiveCountChange(n)
}

// New loads (or initializes empty) both partitions from dir. Missing files
// are treated as empty; malformed files are logged and treated as empty.
func New(dir string, logger *zap.Logger) *Store {
	s := &Store{
		logger:      logger,
		activePath:  filepath.Join(dir, "ota_jobs.json"),
		historyPath: filepath.Join(dir, "ota_status_history.json"),
	}
	s.active = loadPartition(s.activePath, logger)
	s.history = loadPartition(s.historyPath, logger)
	return s
}

func loadPartition(path string, logger *zap.Logger) partition {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) && logger != nil {
			logger.Warn("ota: failed to read partition, treating as empty", zap.String("path", path), zap.Error(err))
		}
		return make(partition)
	}
	var p partition
	if err := json.Unmarshal(raw, &p); err != nil {
		if logger != nil {
			logger.Warn("ota: malformed partition file, treating as empty", zap.String("path", path), zap.Error(err))
		}
		return make(partition)
	}
	if p == nil {
		p = make(partition)
	}
	return p
}

// writePartition writes pretty-printed JSON via write-then-rename, so a
// crash mid-write never leaves a truncated partition file on disk.
func writePartition(path string, p partition, logger *zap.Logger) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		if logger != nil {
			logger.Error("ota: failed to marshal partition", zap.String("path", path), zap.Error(err))
		}
		return
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		if logger != nil {
			logger.Error("ota: failed to write partition tmp file", zap.String("path", tmp), zap.Error(err))
		}
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		if logger != nil {
			logger.Error("ota: failed to rename partition tmp file", zap.String("path", path), zap.Error(err))
		}
	}
}

// OnOTAURL handles an inbound node/<id>/otaurl payload: Absent -> Active,
// or overwrite if already Active (latest wins). A payload with an empty
// ota_job_id is OTAJobMalformed: logged and ignored.
func (s *Store) OnOTAURL(nodeID string, payload map[string]interface{}) {
	jobID, _ := payload["ota_job_id"].(string)
	if jobID == "" {
		if s.logger != nil {
			s.logger.Warn("ota: malformed otaurl payload, missing ota_job_id", zap.String("node_id", nodeID))
		}
		return
	}

	now := time.Now()
	rec := Record{
		OTAJobID:  jobID,
		CreatedAt: now,
		UpdatedAt: now,
		Extra:     make(map[string]interface{}, len(payload)),
	}
	for k, v := range payload {
		switch k {
		case "ota_job_id":
			// already captured
		case "url":
			if s, ok := v.(string); ok {
				rec.URL = s
			}
		case "fw_version":
			if s, ok := v.(string); ok {
				rec.FWVersion = s
			}
		default:
			rec.Extra[k] = v
		}
	}

	s.mu.Lock()
	if s.active[nodeID] == nil {
		s.active[nodeID] = make(map[string]Record)
	}
	s.active[nodeID][jobID] = rec
	writePartition(s.activePath, s.active, s.logger)
	s.notifyActiveCountLocked()
	s.mu.Unlock()
}

// OnStatusUpdate handles an operator otastatus publish. A terminal status
// (success, failed, rejected, delayed) moves the job Active ->
// History[status] atomically; in-progress leaves it Active; any other
// status is logged and ignored. A second terminal update for the same job
// is idempotent: no duplicate history entry, last-write-wins on fields.
func (s *Store) OnStatusUpdate(nodeID string, payload map[string]interface{}) {
	jobID, _ := payload["ota_job_id"].(string)
	status, _ := payload["status"].(string)
	if jobID == "" {
		if s.logger != nil {
			s.logger.Warn("ota: malformed otastatus payload, missing ota_job_id", zap.String("node_id", nodeID))
		}
		return
	}
	if status == "in-progress" {
		return
	}
	if !terminalStatuses[status] {
		if s.logger != nil {
			s.logger.Warn("ota: unrecognized otastatus value, ignoring", zap.String("node_id", nodeID), zap.String("status", status))
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, wasActive := s.active[nodeID][jobID]
	if !wasActive {
		// Already moved (idempotent re-delivery) or never seen; fold the
		// status into whatever history entry exists, last-write-wins.
		if existing, ok := s.history[nodeID][jobID]; ok {
			rec = existing
		} else {
			rec = Record{OTAJobID: jobID, CreatedAt: time.Now()}
		}
	} else {
		delete(s.active[nodeID], jobID)
		if len(s.active[nodeID]) == 0 {
			delete(s.active, nodeID)
		}
	}

	rec.Status = status
	rec.UpdatedAt = time.Now()

	if s.history[nodeID] == nil {
		s.history[nodeID] = make(map[string]Record)
	}
	s.history[nodeID][jobID] = rec

	writePartition(s.activePath, s.active, s.logger)
	writePartition(s.historyPath, s.history, s.logger)
	s.notifyActiveCountLocked()
}

// Clear removes a job from Active explicitly (Active -> Absent).
func (s *Store) Clear(nodeID, jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active[nodeID] == nil {
		return
	}
	delete(s.active[nodeID], jobID)
	if len(s.active[nodeID]) == 0 {
		delete(s.active, nodeID)
	}
	writePartition(s.activePath, s.active, s.logger)
	s.notifyActiveCountLocked()
}

// ActiveJob returns the Active record for (nodeID, jobID), if any.
func (s *Store) ActiveJob(nodeID, jobID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.active[nodeID][jobID]
	return rec, ok
}

// HistoryJob returns the History record for (nodeID, jobID), if any.
func (s *Store) HistoryJob(nodeID, jobID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.history[nodeID][jobID]
	return rec, ok
}

// ActiveJobsForNode returns a copy of all Active jobs for a node.
func (s *Store) ActiveJobsForNode(nodeID string) map[string]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Record, len(s.active[nodeID]))
	for k, v := range s.active[nodeID] {
		out[k] = v
	}
	return out
}
