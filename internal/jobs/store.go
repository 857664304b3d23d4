// Package jobs runs voice conversions on behalf of the HTTP API and keeps
// their history.
//
// A [Manager] submits work to a [convert.Converter], holds the live handle and
// the rendered WAV of every recent job, and mirrors each job's lifecycle into
// a [Store]. Two stores are provided: [MemoryStore] for single-process use and
// [PostgresStore], which also indexes every finished output by its LPC
// envelope fingerprint so [Store.Similar] can find conversions that sound
// alike.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/voxmatch/internal/convert"
)

var (
	// ErrNotFound is returned for unknown job IDs.
	ErrNotFound = errors.New("jobs: not found")

	// ErrNoFingerprint is returned by Similar for jobs that have not
	// finished successfully.
	ErrNoFingerprint = errors.New("jobs: job has no fingerprint")
)

// Source records where the TTS side of a job came from.
type Source string

const (
	SourceUpload Source = "upload"
	SourceText   Source = "text"
)

// Job is the persisted record of one conversion.
type Job struct {
	ID     string        `json:"id"`
	State  convert.State `json:"state"`
	Source Source        `json:"source"`

	// Progress is the last reported percentage, -1 before the first report.
	Progress int `json:"progress"`

	// Text and Voice are set for SourceText jobs.
	Text  string `json:"text,omitempty"`
	Voice string `json:"voice,omitempty"`

	SampleRate int     `json:"sample_rate,omitempty"`
	Frames     int     `json:"frames,omitempty"`
	Shifted    int     `json:"shifted,omitempty"`
	Replaced   int     `json:"replaced,omitempty"`
	Seconds    float64 `json:"seconds,omitempty"`

	Error   string `json:"error,omitempty"`
	TraceID string `json:"trace_id,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`

	// Fingerprint is the mean LPC envelope of the output, see
	// [lpc.Fingerprint]. Set once the job is done.
	Fingerprint []float32 `json:"-"`
}

// Match is a result of [Store.Similar].
type Match struct {
	Job Job `json:"job"`

	// Distance is the cosine distance between fingerprints, 0 for identical
	// spectral shapes.
	Distance float64 `json:"distance"`
}

// Store persists job records. Implementations must be safe for concurrent
// use.
type Store interface {
	// Put inserts or replaces the job with j.ID.
	Put(ctx context.Context, j Job) error

	// Get returns the job or [ErrNotFound].
	Get(ctx context.Context, id string) (Job, error)

	// Delete removes the job. Deleting an unknown ID is not an error.
	Delete(ctx context.Context, id string) error

	// Similar returns up to k other finished jobs ordered by ascending
	// fingerprint distance to job id.
	Similar(ctx context.Context, id string, k int) ([]Match, error)

	// Prune deletes jobs that finished before cutoff and returns how many
	// were removed.
	Prune(ctx context.Context, cutoff time.Time) (int, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}
