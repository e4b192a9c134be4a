// SPDX-License-Identifier: MIT

package camerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := New(KindBusy, "session already active")
	assert.Equal(t, KindBusy, KindOf(err))
	assert.True(t, IsKind(err, KindBusy))
	assert.False(t, IsKind(err, KindNoSignal))
}

func TestKindOfWrapped(t *testing.T) {
	inner := Wrap(KindInsufficientDisk, "below start floor", errors.New("9 GiB free"))
	outer := fmt.Errorf("recording start: %w", inner)

	assert.Equal(t, KindInsufficientDisk, KindOf(outer))
	assert.True(t, IsKind(outer, KindInsufficientDisk))
}

func TestErrorsIsMatchesOnKind(t *testing.T) {
	a := Newf(KindStartTimeout, "pipeline %s", "cam0")
	b := New(KindStartTimeout, "")
	assert.True(t, errors.Is(a, b))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("device gone")
	err := Wrap(KindPipelineFatal, "bus error", cause)
	require.ErrorIs(t, err, cause)
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "busy", New(KindBusy, "").Error())
	assert.Equal(t, "busy: mode switch in progress", New(KindBusy, "mode switch in progress").Error())
}
