package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/swoophq/swoop-dispatch/internal/dispatcher"
	"github.com/swoophq/swoop-dispatch/internal/proxypool"
	"github.com/swoophq/swoop-dispatch/internal/ratelimit"
	"github.com/swoophq/swoop-dispatch/internal/session"
)

func sampleStats() dispatcher.Stats {
	return dispatcher.Stats{
		RateLimiter: ratelimit.Stats{TrackedDomains: 2, DomainRPS: 0.5, GlobalRPS: 10},
		ProxyPool: proxypool.Stats{
			TotalProxies:   4,
			HealthyProxies: 3,
			PerRegion:      map[string]proxypool.RegionStats{"us": {TotalProxies: 4, HealthyProxies: 3}},
		},
		Sessions: session.Stats{ActiveSessions: 1},
	}
}

func TestStoreSnapshotInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSnapshotStoreWithPool(mock, "dispatch_snapshots")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	stats := sampleStats()
	payload, err := json.Marshal(stats)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO dispatch_snapshots").
		WithArgs(
			now,
			stats.ProxyPool.TotalProxies,
			stats.ProxyPool.HealthyProxies,
			stats.RateLimiter.TrackedDomains,
			payload,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.StoreSnapshot(context.Background(), now, stats)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreSnapshotPropagatesExecError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSnapshotStoreWithPool(mock, "dispatch_snapshots")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO dispatch_snapshots").
		WillReturnError(errors.New("connection reset"))

	err = store.StoreSnapshot(context.Background(), time.Now(), sampleStats())
	require.Error(t, err)
}

func TestNewSnapshotStoreWithPoolValidates(t *testing.T) {
	t.Parallel()

	_, err := NewSnapshotStoreWithPool(nil, "t")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewSnapshotStoreWithPool(mock, "bad;table")
	require.Error(t, err)
}
