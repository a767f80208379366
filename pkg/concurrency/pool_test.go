package concurrency

import (
	"errors"
	"testing"

	"gridmaker/internal/mock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettleAll_IsolatesFailures(t *testing.T) {
	wp := NewWorkerPool(PoolConfig{Name: "test", MaxWorkers: 3}, mock.NewLogger())
	defer wp.Stop()

	tasks := []func() (int, error){
		func() (int, error) { return 1, nil },
		func() (int, error) { return 0, errors.New("rejected") },
		func() (int, error) { panic("bad order") },
		func() (int, error) { return 4, nil },
	}

	outcomes := SettleAll(wp, tasks)
	require.Len(t, outcomes, 4)
	assert.Equal(t, 1, outcomes[0].Value)
	assert.NoError(t, outcomes[0].Err)
	assert.EqualError(t, outcomes[1].Err, "rejected")
	assert.ErrorContains(t, outcomes[2].Err, "panicked")
	assert.Equal(t, 4, outcomes[3].Value)
}

func TestSettleAll_Empty(t *testing.T) {
	wp := NewWorkerPool(PoolConfig{Name: "test"}, mock.NewLogger())
	defer wp.Stop()
	assert.Empty(t, SettleAll[string](wp, nil))
}
