package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"crowdlink/go-mesh-node/internal/model"
)

// newTestStore opens an in-memory journal with the schema applied.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(MemoryPath)
	require.NoError(t, err, "failed to open test store")
	require.NoError(t, s.InitSchema(context.Background()), "failed to init schema")

	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestSchemaTables(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"incidents", "panics", "ingestion_errors"} {
		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err, "failed to query table %s", table)
		require.Equal(t, 1, count, "table %s not found", table)
	}

	require.NoError(t, s.InitSchema(ctx), "schema init must be repeatable")
	require.NoError(t, s.Ping(ctx))
}

func TestIncidentsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 7, 4, 21, 0, 0, 0, time.UTC)

	for i, sev := range []model.Severity{model.SeverityMedium, model.SeverityHigh, model.SeverityMedium} {
		require.NoError(t, s.InsertIncident(ctx, model.Incident{
			EventName:    "Main Stage",
			Severity:     sev,
			ClosestPeers: i + 2,
			TotalNearby:  5,
			Message:      "moving closer",
			DetectedAt:   base.Add(time.Duration(i) * 500 * time.Millisecond),
		}))
	}

	got, err := s.RecentIncidents(ctx, 10, nil)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, 4, got[0].ClosestPeers)
	require.Equal(t, model.SeverityHigh, got[1].Severity)
	require.True(t, got[2].DetectedAt.Equal(base))

	limited, err := s.RecentIncidents(ctx, 1, nil)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	since := base.Add(250 * time.Millisecond)
	recent, err := s.RecentIncidents(ctx, 10, &since)
	require.NoError(t, err)
	require.Len(t, recent, 2)
}

func TestPanicsRoundTripLocation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	lat, lng := 51.5, -0.12
	at := time.Date(2026, 7, 4, 21, 5, 0, 0, time.UTC)

	require.NoError(t, s.InsertPanic(ctx, model.PanicAlert{
		ID: "p-1", PeerID: "peer-a", Name: "Ana", Message: "Needs help",
		Latitude: &lat, Longitude: &lng, Timestamp: at,
	}))
	require.NoError(t, s.InsertPanic(ctx, model.PanicAlert{
		ID: "p-2", PeerID: "peer-b", Message: "Needs help", Timestamp: at.Add(time.Second), IsMe: true,
	}))
	// Relayed duplicates carry the same id.
	require.NoError(t, s.InsertPanic(ctx, model.PanicAlert{ID: "p-1", PeerID: "peer-a", Message: "again", Timestamp: at}))
	require.Error(t, s.InsertPanic(ctx, model.PanicAlert{PeerID: "peer-c"}))

	got, err := s.RecentPanics(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.Equal(t, "p-2", got[0].ID)
	require.True(t, got[0].IsMe)
	require.Nil(t, got[0].Latitude)

	require.Equal(t, "Ana", got[1].Name)
	require.Equal(t, "Needs help", got[1].Message)
	require.NotNil(t, got[1].Latitude)
	require.Equal(t, 51.5, *got[1].Latitude)
	require.Equal(t, -0.12, *got[1].Longitude)
	require.True(t, got[1].Timestamp.Equal(at))
}

func TestIngestionErrorsAndWipe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertIngestionError(ctx, model.IngestionError{Source: "anchor:gate-1", Payload: "{", Error: "decode anchor"}))
	require.NoError(t, s.InsertIncident(ctx, model.Incident{EventName: "x", Severity: model.SeverityHigh}))
	require.NoError(t, s.InsertPanic(ctx, model.PanicAlert{ID: "p", PeerID: "a", Message: "m", Timestamp: time.Now()}))

	errs, err := s.RecentIngestionErrors(ctx, 5)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	require.Equal(t, "anchor:gate-1", errs[0].Source)
	require.False(t, errs[0].At.IsZero())

	require.NoError(t, s.WipeData(ctx))

	incidents, err := s.RecentIncidents(ctx, 5, nil)
	require.NoError(t, err)
	require.Empty(t, incidents)
	panics, err := s.RecentPanics(ctx, 5)
	require.NoError(t, err)
	require.Empty(t, panics)
	errs, err = s.RecentIngestionErrors(ctx, 5)
	require.NoError(t, err)
	require.Empty(t, errs)
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "journal.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.InitSchema(context.Background()))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	require.ErrorIs(t, s.InitSchema(context.Background()), ErrNotInitialized)
	_, err = s.RecentPanics(context.Background(), 1)
	require.ErrorIs(t, err, ErrNotInitialized)
}
