package upload

import (
	"io"

	"vstage-upload/internal/checkpoint"
)

// State is the lifecycle position of one UploadTask
type State int

const (
	NotStarted State = iota
	SessionPending
	Resuming
	Transferring
	Confirming
	Completed
	Failed
	Compensated
)

var stateNames = map[State]string{
	NotStarted:     "not_started",
	SessionPending: "session_pending",
	Resuming:       "resuming",
	Transferring:   "transferring",
	Confirming:     "confirming",
	Completed:      "completed",
	Failed:         "failed",
	Compensated:    "compensated",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether no further transition can leave s
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Compensated
}

// DefaultContentType is used when a file's type cannot be determined
const DefaultContentType = "application/octet-stream"

// FileIdentity names a file for resume purposes. It is not globally unique.
type FileIdentity struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}

// File is one input of a batch. Content is read by offset so a resumed
// transfer can start anywhere without re-reading the prefix.
type File struct {
	Identity FileIdentity
	Content  io.ReaderAt
}

// Destination is the write destination negotiated for a file
type Destination = checkpoint.Destination

// ConfirmedIdentity identifies the durable record created by confirmation
type ConfirmedIdentity struct {
	RecordID   string `json:"photoId"`
	TransferID string `json:"jobId"`
}

// UploadTask is one file's unit of work within a batch. A task is only
// mutated by the goroutine running its pipeline until the batch settles.
type UploadTask struct {
	Identity          FileIdentity
	State             State
	SessionURL        string
	BytesAcknowledged int64
	// BytesSent counts bytes read from the source and put on the wire,
	// including bytes the endpoint later asked to have resent.
	BytesSent      int64
	Destination    Destination
	Confirmed      *ConfirmedIdentity
	FailureReason  string
	IdempotencyKey string
	// Err is the error behind FailureReason
	Err error
}

func (t *UploadTask) fail(err error) {
	t.State = Failed
	t.Err = err
	t.FailureReason = err.Error()
}

// FailedFile is a file that did not complete, with the cause
type FailedFile struct {
	Identity FileIdentity
	Reason   string
	Err      error
}

// CompensationOutcome records the cleanup of one confirmed record after a
// partial batch failure. Err is nil when the record was deleted.
type CompensationOutcome struct {
	Identity  FileIdentity
	Confirmed ConfirmedIdentity
	Err       error
}

// BatchResult is the settled outcome of RunBatch. Succeeded holds every task
// that was confirmed, in input order; after a partial failure those tasks are
// in the Compensated state unless their cleanup failed.
type BatchResult struct {
	BatchID       string
	Succeeded     []*UploadTask
	Failed        []FailedFile
	Compensations []CompensationOutcome
}

// Compensated reports whether compensation ran and removed every record
func (r *BatchResult) Compensated() bool {
	if len(r.Compensations) == 0 {
		return false
	}
	for _, c := range r.Compensations {
		if c.Err != nil {
			return false
		}
	}
	return true
}

// Progress is invoked with the aggregate batch percentage in [0, 100]
type Progress func(percent float64)

// BatchRequest is the input of RunBatch. Scope is the destination the files
// belong to (a project or delivery) and namespaces their checkpoints.
type BatchRequest struct {
	Scope      string
	Files      []File
	OnProgress Progress
}

func checkpointKey(scope string, id FileIdentity) checkpoint.Key {
	return checkpoint.Key{Scope: scope, FileName: id.Name, FileSize: id.Size}
}
