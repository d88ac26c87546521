package testutil

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/fleetrelay/fleetrelay/pkg/storage"
	pebblekv "github.com/fleetrelay/fleetrelay/pkg/storage/pebble"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/require"
)

func init() {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// NewInMemBroker opens a pebble database on an in-memory filesystem so tests
// run the real storage code path without touching disk.
func NewInMemBroker(t *testing.T) storage.KVBroker {
	t.Helper()
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return pebblekv.NewKVBroker(db)
}

// StartService runs a dskit service for the duration of the test.
func StartService(t *testing.T, svc services.Service) {
	t.Helper()
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), svc))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = services.StopAndAwaitTerminated(ctx, svc)
	})
}

// Eventually polls cond until it holds or the deadline passes.
func Eventually(t *testing.T, cond func() bool, waitFor time.Duration, msg string) {
	t.Helper()
	require.Eventually(t, cond, waitFor, 10*time.Millisecond, msg)
}
