package model

import (
	"strings"
	"time"
)

type ResourceKind string

const (
	KindHTTPFTP    ResourceKind = "http_ftp"
	KindBitTorrent ResourceKind = "bittorrent"
)

// InferKind guesses the resource kind from the descriptor shape. Magnet
// links and .torrent references go to the BitTorrent backend, everything
// else to the HTTP/FTP backend.
func InferKind(resource string) ResourceKind {
	lower := strings.ToLower(resource)
	if strings.HasPrefix(lower, "magnet:") {
		return KindBitTorrent
	}
	trimmed := lower
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	if strings.HasSuffix(trimmed, ".torrent") {
		return KindBitTorrent
	}
	return KindHTTPFTP
}

type JobState string

const (
	StatePending        JobState = "pending"
	StateResolving      JobState = "resolving"
	StateActive         JobState = "active"
	StatePostProcessing JobState = "postprocessing"
	StateCompleted      JobState = "completed"
	StateFailed         JobState = "failed"
	StateCancelled      JobState = "cancelled"
)

// IsTerminal reports whether no further transition can occur.
func (s JobState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// ValidTransition enforces the allowed job state machine edges. The
// resolving back edge from active covers mid-transfer retries.
func ValidTransition(from, to JobState) bool {
	switch from {
	case StatePending:
		return to == StateResolving || to == StateCancelled
	case StateResolving:
		return to == StateActive || to == StateFailed || to == StateCancelled
	case StateActive:
		return to == StatePostProcessing || to == StateResolving ||
			to == StateFailed || to == StateCancelled
	case StatePostProcessing:
		return to == StateCompleted || to == StateFailed || to == StateCancelled
	default:
		return false
	}
}

// FailureClass distinguishes why a job ended in a failed state. A
// post-processing failure means the transferred file itself is intact.
type FailureClass string

const (
	FailureNone           FailureClass = ""
	FailureTransient      FailureClass = "transient_exhausted"
	FailurePermanent      FailureClass = "permanent"
	FailurePostProcessing FailureClass = "postprocessing"
)

// Job is a single requested download-and-process unit tracked end-to-end.
// The scheduler is the only writer of state transitions.
type Job struct {
	ID           string       `json:"id"`
	Resource     string       `json:"resource"`
	Mirrors      []string     `json:"mirrors,omitempty"`
	Kind         ResourceKind `json:"kind"`
	OutputPath   string       `json:"output_path"`
	TargetFormat string       `json:"target_format,omitempty"`
	Priority     int          `json:"priority"`
	State        JobState     `json:"state"`
	Retries      int          `json:"retries"`
	LastError    string       `json:"last_error,omitempty"`
	FailureClass FailureClass `json:"failure_class,omitempty"`
	FinalPath    string       `json:"final_path,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	FinishedAt   time.Time    `json:"finished_at,omitempty"`

	// Seq is the submission sequence number, used for stable FIFO
	// ordering within a priority level.
	Seq uint64 `json:"seq"`
}

// ProgressSnapshot is a point-in-time transfer progress report. Each
// newer snapshot supersedes the previous one.
type ProgressSnapshot struct {
	BytesDone  int64     `json:"bytes_done"`
	BytesTotal int64     `json:"bytes_total"` // -1 when unknown
	Rate       int64     `json:"rate"`        // bytes per second
	ETASec     int64     `json:"eta_sec"`     // -1 when unknown
	At         time.Time `json:"at"`
}

// PostProcessResult is the outcome of the post-processing step.
type PostProcessResult struct {
	Success    bool   `json:"success"`
	OutputPath string `json:"output_path,omitempty"`
	Message    string `json:"message,omitempty"`
}
