// Package progress defines the telemetry events emitted by the scheduler.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart          Stage = "RUN_START"
	StageRunDone           Stage = "RUN_DONE"
	StageAttempt           Stage = "FETCH_ATTEMPT"
	StageHostState         Stage = "HOST_STATE"
	StageClusterEscalated  Stage = "CLUSTER_ESCALATED"
	StageClusterCleared    Stage = "CLUSTER_CLEARED"
	StageDisposition       Stage = "REQUEST_DISPOSITION"
	StageInternalError     Stage = "INTERNAL_ERROR"
	StageWorkerQueueFailed Stage = "WORKER_QUEUE_FAILED"
)

// Severity separates ordinary crawl failures from defects in the scheduler itself.
type Severity string

// Severities.
const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch attempts.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single scheduler milestone.
type Event struct {
	// RunID identifies the crawl run using the 16-byte UUID form.
	RunID    [16]byte  `json:"-"`
	TS       time.Time `json:"ts"`
	Stage    Stage     `json:"stage"`
	Severity Severity  `json:"severity,omitempty"`
	Host     string    `json:"host,omitempty"`
	URL      string    `json:"url,omitempty"`
	WorkerID int       `json:"worker_id,omitempty"`

	// Attempt fields.
	Policy          crawler.FetchPolicy `json:"policy_requested,omitempty"`
	Source          crawler.Source      `json:"source_used,omitempty"`
	FallbackApplied bool                `json:"fallback_applied,omitempty"`
	// NetworkErrorKind is the network failure behind a fallback.
	NetworkErrorKind crawler.ErrorKind `json:"network_error_kind,omitempty"`
	ErrorKind        crawler.ErrorKind `json:"error_kind,omitempty"`
	HTTPStatus       int               `json:"http_status,omitempty"`
	StatusClass      StatusClass       `json:"status_class,omitempty"`
	Bytes            int64             `json:"bytes,omitempty"`
	Dur              time.Duration     `json:"latency_ns,omitempty"`

	// Host state fields.
	FromState string    `json:"from_state,omitempty"`
	ToState   string    `json:"to_state,omitempty"`
	Until     time.Time `json:"until,omitempty"`

	// Cluster and disposition fields.
	Count       int    `json:"count,omitempty"`
	Disposition string `json:"disposition,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`

	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageWorkerQueueFailed:
	case StageAttempt:
		if e.Host == "" {
			return errors.New("fetch attempt requires host")
		}
		if e.Policy == "" {
			return errors.New("fetch attempt requires policy")
		}
	case StageHostState:
		if e.Host == "" || e.ToState == "" {
			return errors.New("host state requires host and target state")
		}
	case StageClusterEscalated, StageClusterCleared:
		if e.Host == "" || e.ErrorKind == "" {
			return errors.New("cluster event requires host and error kind")
		}
	case StageDisposition:
		if e.Disposition == "" {
			return errors.New("disposition event requires disposition")
		}
	case StageInternalError:
		if e.Note == "" {
			return errors.New("internal error requires note")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes for attempt events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
