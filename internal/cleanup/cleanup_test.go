package cleanup

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestManager_ExecutesInReverseOrder(t *testing.T) {
	cm := NewManager(zaptest.NewLogger(t))

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		cm.Add(func() error {
			order = append(order, i)
			return nil
		})
	}

	require.NoError(t, cm.Execute())
	assert.Equal(t, []int{3, 2, 1}, order)
}

func TestManager_FirstErrorWins(t *testing.T) {
	cm := NewManager(zaptest.NewLogger(t))

	errLast := errors.New("last added, runs first")
	errFirst := errors.New("first added, runs last")
	cm.Add(func() error { return errFirst })
	cm.Add(func() error { return errLast })

	err := cm.Execute()
	assert.ErrorIs(t, err, errLast, "the first error encountered during LIFO execution is returned")
}

func TestManager_ExecuteRunsOnce(t *testing.T) {
	cm := NewManager(zaptest.NewLogger(t))

	calls := 0
	cm.Add(func() error {
		calls++
		return nil
	})

	require.NoError(t, cm.Execute())
	require.NoError(t, cm.Execute())
	assert.Equal(t, 1, calls)
}

func TestManager_IgnoresNilFuncs(t *testing.T) {
	cm := NewManager(zaptest.NewLogger(t))
	cm.Add(nil)
	require.NoError(t, cm.Execute())
}
