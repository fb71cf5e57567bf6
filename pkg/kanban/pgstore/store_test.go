package pgstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bosun-dev/bosun/pkg/claims"
	"github.com/bosun-dev/bosun/pkg/database"
	"github.com/bosun-dev/bosun/pkg/kanban"
	"github.com/bosun-dev/bosun/pkg/models"
)

// newTestStore connects to the database named by BOSUN_TEST_DB_URL when set
// (CI service container) and otherwise starts a disposable testcontainer.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	ctx := context.Background()

	connStr := os.Getenv("BOSUN_TEST_DB_URL")
	if connStr == "" {
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("bosun"),
			postgres.WithUsername("bosun"),
			postgres.WithPassword("bosun"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})
		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	s, err := Open(ctx, database.Config{URL: connStr, MaxOpenConns: 10, MaxIdleConns: 5})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoardRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	health, err := database.Health(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)

	require.NoError(t, s.Create(ctx, &models.Task{
		ID: "rt-1", Title: "Wire the fuel gauge", Status: models.StatusTodo,
		Tags: []string{"auto"}, Priority: 3, BaseBranch: "origin/main",
		CreatorLogin: "octocat",
	}))
	require.NoError(t, s.Create(ctx, &models.Task{ID: "rt-2", Title: "Backlog item"}))

	got, err := s.Get(ctx, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusTodo, got.Status)
	assert.Equal(t, []string{"auto"}, got.Tags)
	assert.Equal(t, "octocat", got.CreatorLogin)

	todos, err := s.List(ctx, models.StatusTodo)
	require.NoError(t, err)
	require.Len(t, todos, 1)
	assert.Equal(t, "rt-1", todos[0].ID)

	changed, err := s.SetStatus(ctx, "rt-1", models.StatusInProgress, kanban.SourceScheduler)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = s.SetStatus(ctx, "rt-1", models.StatusInProgress, kanban.SourceScheduler)
	require.NoError(t, err)
	assert.False(t, changed)
	_, err = s.SetStatus(ctx, "rt-1", models.StatusBacklog, kanban.SourceOperator)
	require.ErrorContains(t, err, "invalid transition")

	var transitions int
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_transitions WHERE task_id = $1 AND source = $2`,
		"rt-1", kanban.SourceScheduler).Scan(&transitions))
	assert.Equal(t, 1, transitions)

	require.NoError(t, s.AddTag(ctx, "rt-1", "sdk:codex"))
	require.NoError(t, s.AddTag(ctx, "rt-1", "sdk:codex"))
	got, err = s.Get(ctx, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"auto", "sdk:codex"}, got.Tags)

	require.NoError(t, s.Comment(ctx, "rt-1", "needs a second look"))
	bodies, err := s.Comments(ctx, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"needs a second look"}, bodies)

	first, err := s.CreateOrUpdatePR(ctx, kanban.PRRequest{
		TaskID: "rt-1", Branch: "ve/rt-1", BaseBranch: "origin/main", Title: "Task rt-1",
	})
	require.NoError(t, err)
	assert.True(t, first.Created)
	second, err := s.CreateOrUpdatePR(ctx, kanban.PRRequest{
		TaskID: "rt-1", Branch: "ve/rt-1", BaseBranch: "origin/main", Title: "Task rt-1 (retry)",
	})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Number, second.Number)

	got, err = s.Get(ctx, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, first.Number, got.PRNumber)

	_, err = s.Get(ctx, "rt-missing")
	require.ErrorIs(t, err, kanban.ErrTaskNotFound)
}

func TestClaimContention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &models.Task{ID: "cl-1", Title: "Contended", Status: models.StatusTodo}))

	res, err := s.Claim(ctx, "cl-1", "holder-a", time.Hour)
	require.NoError(t, err)
	assert.True(t, res.OK)

	// A live foreign lease wins.
	res, err = s.Claim(ctx, "cl-1", "holder-b", time.Hour)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "holder-a", res.ExistingHolder)

	// Re-acquiring your own lease replaces it.
	res, err = s.Claim(ctx, "cl-1", "holder-a", time.Hour)
	require.NoError(t, err)
	assert.True(t, res.OK)

	require.NoError(t, s.Renew(ctx, "cl-1", "holder-a"))
	require.ErrorIs(t, s.Renew(ctx, "cl-1", "holder-b"), claims.ErrClaimStolen)

	// Expire the lease behind the holder's back; the next claimer takes it.
	_, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET claim_expires_at = now() - interval '1 minute' WHERE id = $1`, "cl-1")
	require.NoError(t, err)
	res, err = s.Claim(ctx, "cl-1", "holder-b", time.Hour)
	require.NoError(t, err)
	assert.True(t, res.OK)

	// The ousted holder can neither renew nor release the new lease.
	require.ErrorIs(t, s.Renew(ctx, "cl-1", "holder-a"), claims.ErrClaimStolen)
	require.NoError(t, s.Release(ctx, "cl-1", "holder-a"))
	res, err = s.Claim(ctx, "cl-1", "holder-c", time.Hour)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "holder-b", res.ExistingHolder)

	require.NoError(t, s.Release(ctx, "cl-1", "holder-b"))
	res, err = s.Claim(ctx, "cl-1", "holder-c", time.Hour)
	require.NoError(t, err)
	assert.True(t, res.OK)

	_, err = s.Claim(ctx, "cl-missing", "holder-a", time.Hour)
	require.ErrorIs(t, err, kanban.ErrTaskNotFound)
}

func TestSweepClaimsFreesOnlyExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &models.Task{ID: "sw-1", Title: "Stale", Status: models.StatusTodo}))
	require.NoError(t, s.Create(ctx, &models.Task{ID: "sw-2", Title: "Fresh", Status: models.StatusTodo}))

	res, err := s.Claim(ctx, "sw-1", "holder-a", time.Hour)
	require.NoError(t, err)
	require.True(t, res.OK)
	res, err = s.Claim(ctx, "sw-2", "holder-a", time.Hour)
	require.NoError(t, err)
	require.True(t, res.OK)

	_, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET claim_expires_at = now() - interval '1 minute' WHERE id = $1`, "sw-1")
	require.NoError(t, err)

	freed, err := s.SweepClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sw-1"}, freed)

	// The fresh lease survived the sweep.
	res, err = s.Claim(ctx, "sw-2", "holder-b", time.Hour)
	require.NoError(t, err)
	assert.False(t, res.OK)
}
