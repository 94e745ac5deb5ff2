package ledger

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytes32RoundTrip(t *testing.T) {
	tests := []string{
		"",
		"operator-1",
		"service1718000000-consumer-3",
		"exactly-thirty-two-bytes-long!!!",
	}
	for _, s := range tests {
		b, err := toBytes32(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, fromBytes32(b), s)
	}
}

func TestToBytes32_TooLong(t *testing.T) {
	_, err := toBytes32("this string is definitely longer than thirty-two bytes")
	assert.Error(t, err)
}

func TestFromBytes32_StripsPadding(t *testing.T) {
	var b [32]byte
	copy(b[:], "short")
	assert.Equal(t, "short", fromBytes32(b))
}

func TestNewServiceID(t *testing.T) {
	id := NewServiceID("consumer-1")
	assert.Regexp(t, regexp.MustCompile(`^service\d+-consumer-1$`), id.String())
	assert.LessOrEqual(t, len(id.String()), 32)
}

func TestServiceState_String(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "deployed", StateDeployed.String())
	assert.Equal(t, "unknown(7)", ServiceState(7).String())
}
