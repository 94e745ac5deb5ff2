package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRevertError_Is(t *testing.T) {
	tests := []struct {
		reason string
		target error
	}{
		{revertServiceNotOpen, ErrServiceNotOpen},
		{revertAlreadyRegistered, ErrAlreadyRegistered},
		{revertNotRegistered, ErrNotRegistered},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			err := error(&RevertError{Reason: tt.reason})
			assert.True(t, errors.Is(err, tt.target))
		})
	}

	unknown := error(&RevertError{Reason: "Service: does not exist"})
	assert.False(t, errors.Is(unknown, ErrServiceNotOpen))
	assert.False(t, errors.Is(unknown, ErrAlreadyRegistered))
}

func TestIsTransient(t *testing.T) {
	assert.False(t, isTransient(nil))
	assert.False(t, isTransient(errors.New("execution reverted: Service: not open")))

	transient := []string{
		"read tcp 10.0.0.1:8545: connection reset by peer",
		"dial tcp 10.0.0.1:8545: connect: connection refused",
		"invalid character '<' looking for beginning of value",
		"websocket: close 1006 (abnormal closure)",
		"post failed: 502 Bad Gateway",
	}
	for _, msg := range transient {
		assert.True(t, isTransient(errors.New(msg)), msg)
	}

	assert.True(t, isTransient(&TransientError{Err: errors.New("anything")}))
	assert.True(t, isTransient(fmt.Errorf("send tx: %w", &TransientError{Err: errors.New("boom")})))
}

func TestRevertReason_FromMessage(t *testing.T) {
	reason, ok := revertReason(errors.New("execution reverted: Service: not open"))
	require.True(t, ok)
	assert.Equal(t, "Service: not open", reason)

	reason, ok = revertReason(errors.New("rpc error: execution reverted: Operator: not registered"))
	require.True(t, ok)
	assert.Equal(t, "Operator: not registered", reason)

	_, ok = revertReason(errors.New("connection refused"))
	assert.False(t, ok)

	_, ok = revertReason(nil)
	assert.False(t, ok)
}

// dataErr mimics the rpc error type that carries ABI-encoded revert data.
type dataErr struct {
	msg  string
	data interface{}
}

func (e *dataErr) Error() string          { return e.msg }
func (e *dataErr) ErrorData() interface{} { return e.data }

func encodeRevert(reason string) string {
	body := make([]byte, 4+32+32+((len(reason)+31)/32)*32)
	copy(body[:4], []byte{0x08, 0xc3, 0x79, 0xa0})
	body[4+31] = 0x20 // offset of the string head
	body[4+32+31] = byte(len(reason))
	copy(body[4+64:], reason)
	return "0x" + hex.EncodeToString(body)
}

func TestRevertReason_FromErrorData(t *testing.T) {
	err := &dataErr{
		msg:  "execution reverted",
		data: encodeRevert("Service: not open"),
	}
	reason, ok := revertReason(err)
	require.True(t, ok)
	assert.Equal(t, "Service: not open", reason)
}

func TestDecodeRevertData(t *testing.T) {
	reason, ok := decodeRevertData(encodeRevert("Operator: already registered"))
	require.True(t, ok)
	assert.Equal(t, "Operator: already registered", reason)

	_, ok = decodeRevertData("0xdeadbeef")
	assert.False(t, ok)

	_, ok = decodeRevertData("not hex at all")
	assert.False(t, ok)
}

func TestWithRetry(t *testing.T) {
	t.Run("non-transient aborts immediately", func(t *testing.T) {
		calls := 0
		sentinel := errors.New("execution reverted: Service: not open")
		err := withRetry(context.Background(), func() error {
			calls++
			return sentinel
		})
		assert.Equal(t, sentinel, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("transient retries until success", func(t *testing.T) {
		calls := 0
		err := withRetry(context.Background(), func() error {
			calls++
			if calls < 3 {
				return &TransientError{Err: errors.New("connection reset")}
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := withRetry(context.Background(), func() error {
			calls++
			return &TransientError{Err: errors.New("connection reset")}
		})
		assert.Error(t, err)
		assert.Equal(t, retryMaxTries, calls)
	})

	t.Run("canceled context stops the loop", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := withRetry(ctx, func() error {
			return &TransientError{Err: errors.New("connection reset")}
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
