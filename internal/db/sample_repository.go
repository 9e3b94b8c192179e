package db

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/telescopio-montemayor/ethernet-encoder-servo/pkg/servo"
)

// SampleRepository stores downsampled axis state documents.
type SampleRepository struct {
	db *DB
}

// NewSampleRepository creates a repository over an open connection.
func NewSampleRepository(db *DB) *SampleRepository {
	return &SampleRepository{db: db}
}

// Insert stores one state document.
func (r *SampleRepository) Insert(ctx context.Context, s servo.State) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO axis_samples
			(axis, position, target, error, speed_hz, closed_loop, tracking, free_running)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, s.Name, s.Position, s.Target, s.Error, s.SpeedHz, s.ClosedLoop, s.Tracking, s.FreeRunning)
	if err != nil {
		return fmt.Errorf("failed to insert axis sample: %w", err)
	}
	return nil
}

// CountSamples returns the number of stored samples for one axis.
func (r *SampleRepository) CountSamples(ctx context.Context, axis string) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM axis_samples WHERE axis = $1`, axis,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count samples: %w", err)
	}
	return count, nil
}

// Recorder drains a channel of state documents into the repository,
// keeping one sample out of every recordEvery per axis. The channel is
// fed with non-blocking sends by the tick path; when the database stalls,
// samples are simply dropped there.
type Recorder struct {
	repo        *SampleRepository
	recordEvery int
	counts      map[string]int
}

// NewRecorder builds a recorder. recordEvery values below 1 record every
// sample.
func NewRecorder(repo *SampleRepository, recordEvery int) *Recorder {
	if recordEvery < 1 {
		recordEvery = 1
	}
	return &Recorder{
		repo:        repo,
		recordEvery: recordEvery,
		counts:      make(map[string]int),
	}
}

// Accepts reports whether the next sample for the axis should be stored,
// advancing the per-axis downsample counter.
func (r *Recorder) Accepts(axis string) bool {
	count := r.counts[axis]
	r.counts[axis] = count + 1
	return count%r.recordEvery == 0
}

// Run consumes samples until the channel closes or the context ends.
func (r *Recorder) Run(ctx context.Context, samples <-chan servo.State) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-samples:
			if !ok {
				return
			}
			if !r.Accepts(s.Name) {
				continue
			}

			insertCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := r.repo.Insert(insertCtx, s)
			cancel()
			if err != nil {
				// Telemetry is best effort; the loop keeps going.
				log.Printf("telemetry: %v", err)
			}
		}
	}
}
