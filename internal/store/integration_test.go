//go:build integration

package store_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/friendsbets/ledger/internal/ledger"
	"github.com/friendsbets/ledger/internal/model"
	"github.com/friendsbets/ledger/internal/store"
)

// setupPostgres starts a PostgreSQL container, migrates it and returns a
// store over a fresh pool.
func setupPostgres(t *testing.T) (*store.PostgresStore, string) {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("friendsbets_test"),
		postgres.WithUsername("test_user"),
		postgres.WithPassword("test_password"),
		postgres.BasicWaitStrategies(),
		testcontainers.WithLabels(map[string]string{"test": "friendsbets-store", "test-name": t.Name()}),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, store.MigrateUp(url))

	pool, err := store.NewPool(ctx, url, 20)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return store.NewPostgresStore(pool), url
}

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate redis container: %v", err)
		}
	})

	addr, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func quietEngine(st store.Store) *ledger.Engine {
	return ledger.New(st, ledger.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestMigrations_UpDownStatus(t *testing.T) {
	_, url := setupPostgres(t)

	version, dirty, err := store.MigrationStatus(url)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	require.NoError(t, store.MigrateDown(url, 1))
	require.NoError(t, store.MigrateUp(url))
}

func TestPostgres_TradeAndSettle(t *testing.T) {
	pg, _ := setupPostgres(t)
	ctx := context.Background()
	eng := quietEngine(pg)

	alice, err := eng.CreateUser(ctx, "alice")
	require.NoError(t, err)
	bob, err := eng.CreateUser(ctx, "bob")
	require.NoError(t, err)
	desc := "final score"
	ev, err := eng.CreateEvent(ctx, ledger.NewEvent{Title: "Home team wins?", Description: &desc, CreatedByID: alice.ID})
	require.NoError(t, err)

	_, err = eng.PlaceTrade(ctx, ev.ID, alice.ID, true, decimal.RequireFromString("12.34"))
	require.NoError(t, err)
	_, err = eng.PlaceTrade(ctx, ev.ID, alice.ID, true, decimal.RequireFromString("7.66"))
	require.NoError(t, err)
	_, err = eng.PlaceTrade(ctx, ev.ID, bob.ID, false, decimal.NewFromInt(50))
	require.NoError(t, err)

	positions, err := pg.ListPositionsByEvent(ctx, ev.ID)
	require.NoError(t, err)
	require.Len(t, positions, 2)

	s, err := eng.Settle(ctx, ev.ID, true)
	require.NoError(t, err)
	assert.True(t, s.TotalPayout.Equal(decimal.NewFromInt(40)))

	a, err := pg.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "120", a.Balance.String())
	b, err := pg.GetUser(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, "50", b.Balance.String())

	stored, err := pg.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, stored.Status)
	require.NotNil(t, stored.Description)
	assert.Equal(t, desc, *stored.Description)

	_, err = eng.ResolveEvent(ctx, ev.ID, false)
	assert.ErrorIs(t, err, ledger.ErrEventAlreadyResolved)
	_, err = eng.PlaceTrade(ctx, ev.ID, bob.ID, true, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ledger.ErrEventNotOpen)

	trades, err := pg.ListTrades(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

func TestPostgres_ConcurrentTradesNeverOverdraw(t *testing.T) {
	pg, _ := setupPostgres(t)
	ctx := context.Background()
	eng := quietEngine(pg)

	alice, err := eng.CreateUser(ctx, "alice")
	require.NoError(t, err)
	ev, err := eng.CreateEvent(ctx, ledger.NewEvent{Title: "race", CreatedByID: alice.ID})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := eng.PlaceTrade(ctx, ev.ID, alice.ID, i%2 == 0, decimal.NewFromInt(10))
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	var ok int
	for err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	}
	assert.Equal(t, 10, ok)

	u, err := pg.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, u.Balance.IsZero())

	positions, err := pg.ListPositionsByUser(ctx, alice.ID)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, p := range positions {
		sum = sum.Add(p.Amount)
	}
	assert.True(t, sum.Equal(decimal.NewFromInt(100)))
}

func TestPostgres_ConcurrentResolvesPayOnce(t *testing.T) {
	pg, _ := setupPostgres(t)
	ctx := context.Background()
	eng := quietEngine(pg)

	alice, err := eng.CreateUser(ctx, "alice")
	require.NoError(t, err)
	ev, err := eng.CreateEvent(ctx, ledger.NewEvent{Title: "once", CreatedByID: alice.ID})
	require.NoError(t, err)
	_, err = eng.PlaceTrade(ctx, ev.ID, alice.ID, true, decimal.NewFromInt(25))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.ResolveEvent(ctx, ev.ID, true)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok int
	for err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ledger.ErrEventAlreadyResolved)
	}
	assert.Equal(t, 1, ok)

	u, err := pg.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(decimal.NewFromInt(125)))
}

func TestPostgres_Constraints(t *testing.T) {
	pg, _ := setupPostgres(t)
	ctx := context.Background()
	u, _ := seed(t, pg)

	err := pg.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.AdjustBalance(ctx, u.ID, decimal.RequireFromString("-100.01"))
		return err
	})
	assert.ErrorIs(t, err, store.ErrNegativeBalance)

	err = pg.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.AdjustBalance(ctx, "ghost", decimal.NewFromInt(1))
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = pg.WithTx(ctx, func(tx store.Tx) error { return tx.InsertUser(ctx, u) })
	assert.ErrorIs(t, err, store.ErrConflict)

	err = pg.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertEvent(ctx, &model.Event{ID: "e9", Title: "x", CreatedByID: "ghost", Status: model.StatusOpen, CreatedAt: t0})
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCachedStore_InvalidatesOnCommit(t *testing.T) {
	pg, _ := setupPostgres(t)
	rdb := setupRedis(t)
	ctx := context.Background()
	cs := store.NewCachedStore(pg, rdb, time.Minute)
	eng := quietEngine(cs)

	alice, err := eng.CreateUser(ctx, "alice")
	require.NoError(t, err)
	ev, err := eng.CreateEvent(ctx, ledger.NewEvent{Title: "cache", CreatedByID: alice.ID})
	require.NoError(t, err)

	// Warm the cache.
	u, err := cs.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(decimal.NewFromInt(100)))
	n, err := rdb.Exists(ctx, "friendsbets:user:"+alice.ID).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = cs.ListPositionsByUser(ctx, alice.ID)
	require.NoError(t, err)

	_, err = eng.PlaceTrade(ctx, ev.ID, alice.ID, true, decimal.NewFromInt(30))
	require.NoError(t, err)

	u, err = cs.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(decimal.NewFromInt(70)), "stale balance %s", u.Balance)

	positions, err := cs.ListPositionsByUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Len(t, positions, 1)

	_, err = eng.ResolveEvent(ctx, ev.ID, true)
	require.NoError(t, err)
	e, err := cs.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, e.Status)
}
