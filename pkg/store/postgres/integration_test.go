//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/selfheal/internal/testutil/containers"
	pgclient "github.com/StricklySoft/selfheal/pkg/clients/postgres"
	"github.com/StricklySoft/selfheal/pkg/store"
	"github.com/StricklySoft/selfheal/pkg/store/postgres"
	"github.com/StricklySoft/selfheal/pkg/store/storetest"
)

// TestIntegration_Conformance runs the shared store suite against a real
// server, truncating the tables between subtests.
func TestIntegration_Conformance(t *testing.T) {
	pg := containers.Postgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := pgclient.NewClient(ctx, pgclient.Config{URI: pg.ConnString})
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, postgres.Migrate(ctx, db))
	require.NoError(t, postgres.Migrate(ctx, db), "migration is idempotent")

	storetest.Run(t, func(t *testing.T) store.Store {
		_, err := db.Exec(context.Background(),
			`TRUNCATE selfheal_approvals, selfheal_ledger, selfheal_transitions, selfheal_incidents`)
		require.NoError(t, err)
		return postgres.New(db)
	})
}
