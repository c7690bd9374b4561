package dperf

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := NewQueueError("get_qp", 3, 1, ErrCodeNicFatal, "queue pair busy")
	assert.Contains(t, err.Error(), "queue pair busy")
	assert.Contains(t, err.Error(), "op=get_qp")
	assert.Contains(t, err.Error(), "ws=3")
	assert.Contains(t, err.Error(), "qp=1")
}

func TestErrorCodeMatching(t *testing.T) {
	err := NewError("load_config", ErrCodeConfig, "bad key")
	assert.True(t, IsCode(err, ErrCodeConfig))
	assert.False(t, IsCode(err, ErrCodeNicFatal))

	wrapped := fmt.Errorf("context: %w", err)
	assert.True(t, IsCode(wrapped, ErrCodeConfig), "IsCode sees through wrapping")
}

func TestWrapPreservesStructure(t *testing.T) {
	inner := NewQueueError("post_send", 1, 5, ErrCodeNicFatal, "completion status -5")
	outer := WrapError("tx_flush", ErrCodeNicFatal, inner)
	assert.Equal(t, 1, outer.WsID)
	assert.Equal(t, 5, outer.Queue)
	assert.Equal(t, ErrCodeNicFatal, outer.Code)
	assert.Equal(t, "tx_flush", outer.Op)
}

func TestWrapMapsErrno(t *testing.T) {
	err := WrapError("mmap", ErrCodeResourceExhausted, syscall.ENOMEM)
	assert.Equal(t, syscall.ENOMEM, err.Errno)
	assert.Contains(t, err.Error(), "errno=12")
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, WrapError("noop", ErrCodeConfig, nil))
}

func TestErrorsIsByCode(t *testing.T) {
	a := NewError("a", ErrCodeBackpressureDrop, "x")
	b := NewError("b", ErrCodeBackpressureDrop, "y")
	assert.True(t, errors.Is(a, b))
}
