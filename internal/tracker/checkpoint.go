package tracker

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/kalebavincent/dl-torrent/internal/model"
)

// CheckpointRecord is what survives a restart for one non-terminal job:
// enough to resume or re-enqueue it, nothing more.
type CheckpointRecord struct {
	ID           string             `json:"id"`
	Resource     string             `json:"resource"`
	Mirrors      []string           `json:"mirrors,omitempty"`
	Kind         model.ResourceKind `json:"kind"`
	OutputPath   string             `json:"output_path"`
	TargetFormat string             `json:"target_format,omitempty"`
	Priority     int                `json:"priority"`
	State        model.JobState     `json:"state"`
	Retries      int                `json:"retries"`
	Seq          uint64             `json:"seq"`
	CreatedAt    time.Time          `json:"created_at"`
}

type checkpointFile struct {
	SavedAt time.Time          `json:"saved_at"`
	Jobs    []CheckpointRecord `json:"jobs"`
}

// CheckpointStore persists checkpoint records in a single JSON file.
type CheckpointStore struct {
	path string
}

func NewCheckpointStore(path string) *CheckpointStore {
	return &CheckpointStore{path: path}
}

// Save writes all records atomically via a temp file rename, so a crash
// during checkpointing never corrupts the previous checkpoint.
func (s *CheckpointStore) Save(records []CheckpointRecord) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(checkpointFile{
		SavedAt: time.Now().UTC(),
		Jobs:    records,
	}, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Load reads the checkpoint or returns nil when none exists yet.
func (s *CheckpointStore) Load() ([]CheckpointRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var cf checkpointFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, err
	}
	return cf.Jobs, nil
}

// RecordOf builds a checkpoint record from a job.
func RecordOf(job model.Job) CheckpointRecord {
	return CheckpointRecord{
		ID:           job.ID,
		Resource:     job.Resource,
		Mirrors:      job.Mirrors,
		Kind:         job.Kind,
		OutputPath:   job.OutputPath,
		TargetFormat: job.TargetFormat,
		Priority:     job.Priority,
		State:        job.State,
		Retries:      job.Retries,
		Seq:          job.Seq,
		CreatedAt:    job.CreatedAt,
	}
}
