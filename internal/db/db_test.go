package db

import (
	"errors"
	"testing"

	"github.com/telescopio-montemayor/ethernet-encoder-servo/pkg/config"
)

// TestConnect tests database connection with various configurations.
func TestConnect(t *testing.T) {
	t.Run("Valid connection string formatting", func(t *testing.T) {
		cfg := config.DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Username: "testuser",
			Password: "testpass",
			Database: "testdb",
			SSLMode:  "disable",
		}

		// This will fail to connect if no database is running, but we're
		// exercising the connection string construction either way.
		db, err := Connect(cfg)
		if err != nil {
			if err.Error() == "" {
				t.Error("Expected non-empty error message")
			}
			return
		}

		if db == nil || db.DB == nil {
			t.Fatal("Expected an initialized connection")
		}
		db.Close()
	})
}

// TestRecorderDownsampling checks the per-axis keep-one-in-N logic.
func TestRecorderDownsampling(t *testing.T) {
	recorder := NewRecorder(nil, 4)

	kept := 0
	for i := 0; i < 16; i++ {
		if recorder.Accepts("ra") {
			kept++
		}
	}
	if kept != 4 {
		t.Errorf("kept %d of 16 samples with record_every=4, want 4", kept)
	}

	// Axes downsample independently.
	if !recorder.Accepts("dec") {
		t.Error("first sample of a new axis should always be kept")
	}
}

// TestRecorderRecordsEverySampleBelowOne clamps the divisor.
func TestRecorderRecordsEverySampleBelowOne(t *testing.T) {
	recorder := NewRecorder(nil, 0)
	for i := 0; i < 5; i++ {
		if !recorder.Accepts("ra") {
			t.Fatalf("sample %d dropped with record_every=0, want all kept", i)
		}
	}
}

// TestIsConnError classifies retryable failures.
func TestIsConnError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("write: broken pipe"), true},
		{errors.New("unexpected EOF"), true},
		{errors.New("pq: syntax error"), false},
		{nil, false},
	}

	for _, tt := range tests {
		if got := isConnError(tt.err); got != tt.want {
			t.Errorf("isConnError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

// TestWithRetryStopsOnLogicErrors does not retry non-connection errors.
func TestWithRetryStopsOnLogicErrors(t *testing.T) {
	calls := 0
	err := WithRetry(func() error {
		calls++
		return errors.New("pq: relation does not exist")
	}, 3)

	if err == nil {
		t.Fatal("expected the error to surface")
	}
	if calls != 1 {
		t.Errorf("operation ran %d times, want 1 for a non-connection error", calls)
	}
}
