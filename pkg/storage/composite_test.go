package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/storage"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/storage/storagemock"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

var errDiskFull = errors.New("disk full")

func TestCompositeWriteSuccessRule(t *testing.T) {
	ctx := context.Background()
	snaps := []types.Snapshot{{Timestamp: time.Now()}}

	t.Run("primary success is enough", func(t *testing.T) {
		primary := storagemock.New()
		secondary := storagemock.New()
		secondary.Err = errDiskFull
		c := NewComposite(primary, []Provider{secondary}, true)

		require.NoError(t, c.SaveSnapshots(ctx, snaps))
		assert.Len(t, primary.Snapshots, 1)
	})

	t.Run("fallback secondary covers primary failure", func(t *testing.T) {
		primary := storagemock.New()
		primary.Err = errDiskFull
		secondary := storagemock.New()
		c := NewComposite(primary, []Provider{secondary}, true)

		require.NoError(t, c.SaveSnapshots(ctx, snaps))
		assert.Len(t, secondary.Snapshots, 1)
	})

	t.Run("no fallback surfaces primary failure", func(t *testing.T) {
		primary := storagemock.New()
		primary.Err = errDiskFull
		secondary := storagemock.New()
		c := NewComposite(primary, []Provider{secondary}, false)

		err := c.SaveSnapshots(ctx, snaps)
		require.ErrorIs(t, err, errDiskFull)
		// the write still fanned out
		assert.Len(t, secondary.Snapshots, 1)
	})

	t.Run("all backends failing fails the write", func(t *testing.T) {
		primary := storagemock.New()
		primary.Err = errDiskFull
		secondary := storagemock.New()
		secondary.Err = errDiskFull
		c := NewComposite(primary, []Provider{secondary}, true)

		require.ErrorIs(t, c.SaveSnapshots(ctx, snaps), errDiskFull)
	})
}

func TestCompositeReadFallback(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	primary := storagemock.New()
	primary.FailOps = map[string]error{"QuerySnapshots": errDiskFull}
	secondary := storagemock.New()
	require.NoError(t, secondary.SaveSnapshots(ctx, []types.Snapshot{{Timestamp: now}}))

	c := NewComposite(primary, []Provider{secondary}, true)
	got, err := c.QuerySnapshots(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, got, 1)

	// without fallback the primary error surfaces
	c = NewComposite(primary, []Provider{secondary}, false)
	_, err = c.QuerySnapshots(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	require.ErrorIs(t, err, errDiskFull)
}

func TestCompositeHealthCheck(t *testing.T) {
	ctx := context.Background()

	primary := storagemock.New()
	primary.FailOps = map[string]error{"HealthCheck": ErrUnhealthy}
	secondary := storagemock.New()

	assert.NoError(t, NewComposite(primary, []Provider{secondary}, true).HealthCheck(ctx))
	assert.ErrorIs(t, NewComposite(primary, []Provider{secondary}, false).HealthCheck(ctx), ErrUnhealthy)
}

func TestCompositeClose(t *testing.T) {
	primary := storagemock.New()
	secondary := storagemock.New()
	c := NewComposite(primary, []Provider{secondary}, true)
	require.NoError(t, c.Close())
	assert.True(t, primary.Closed)
	assert.True(t, secondary.Closed)
}
