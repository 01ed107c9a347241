package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("fedtools"),
		postgres.WithUsername("fedtools"),
		postgres.WithPassword("fedtools"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, driverPostgres, s.Driver())

	exerciseStore(t, s)

	// reopening must not reapply migrations
	s2, err := Open(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}
