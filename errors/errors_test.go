package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCause(t *testing.T) {
	cause := New("connection refused")
	err := Wrapf(cause, "batch %d attempt %d", 3, 2)

	assert.Equal(t, "batch 3 attempt 2: connection refused", err.Error())
	assert.True(t, Is(err, cause))
}

func TestNilHandling(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, Wrapf(nil, "context %d", 1))
	assert.Nil(t, WithHint(nil, "hint"))
	assert.Nil(t, WithDetail(nil, "detail"))
	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsInvalidRequestError(nil))
}

func TestSentinelHelpers(t *testing.T) {
	t.Run("not found keeps message", func(t *testing.T) {
		err := NewNotFoundError("job %s", "abc")
		assert.Equal(t, "job abc", err.Error())
		assert.True(t, IsNotFoundError(err))
		assert.False(t, IsInvalidRequestError(err))
	})

	t.Run("invalid request survives wrapping", func(t *testing.T) {
		err := Wrap(NewInvalidRequestError("batch index %d out of range", 7), "retry")
		assert.True(t, IsInvalidRequestError(err))
		assert.Contains(t, err.Error(), "batch index 7 out of range")
	})
}

type indexError struct{ index int }

func (e *indexError) Error() string { return fmt.Sprintf("batch %d", e.index) }

func TestAsThroughLayers(t *testing.T) {
	err := Wrap(WithDetail(&indexError{index: 4}, "model grok-4"), "execute")

	var target *indexError
	require.True(t, As(err, &target))
	assert.Equal(t, 4, target.index)
	assert.Contains(t, GetAllDetails(err), "model grok-4")
}

func TestHints(t *testing.T) {
	err := WithHintf(New("missing api key"), "set %s", "XAI_API_KEY")

	hints := GetAllHints(err)
	require.Len(t, hints, 1)
	assert.Equal(t, "set XAI_API_KEY", hints[0])
}

func TestStackTrace(t *testing.T) {
	detailed := fmt.Sprintf("%+v", New("with stack"))
	assert.Contains(t, detailed, "errors_test.go")
}

func ExampleWrap() {
	err := Wrap(New("no successful batches"), "aggregate")
	fmt.Println(err)
	// Output: aggregate: no successful batches
}
