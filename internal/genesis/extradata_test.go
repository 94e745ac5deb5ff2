package genesis

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	signer1 = "0x5B38Da6a701c568545dCfcB03FcB875f56beddC4"
	signer2 = "0xAb8483F64d9C6d1EcF9b849Ae677dD3315835cb2"
)

func TestExtraData_SingleSigner(t *testing.T) {
	out, err := ExtraData([]string{signer1})
	require.NoError(t, err)

	assert.Len(t, out, 2+64+40+130)
	assert.True(t, strings.HasPrefix(out, "0x"+strings.Repeat("0", 64)))
	assert.True(t, strings.HasSuffix(out, strings.Repeat("0", 130)))
	assert.Contains(t, out, strings.ToLower(signer1[2:]))
}

func TestExtraData_MultipleSigners(t *testing.T) {
	out, err := ExtraData([]string{signer1, signer2})
	require.NoError(t, err)

	assert.Len(t, out, 2+64+40*2+130)
	// signers appear in order, back to back
	body := out[2+64 : len(out)-130]
	assert.Equal(t, strings.ToLower(signer1[2:]+signer2[2:]), body)
}

func TestExtraData_Errors(t *testing.T) {
	_, err := ExtraData(nil)
	assert.Error(t, err)

	_, err = ExtraData([]string{"0xnothex"})
	assert.Error(t, err)
}

func TestChecksum(t *testing.T) {
	got, err := Checksum(strings.ToLower(signer1))
	require.NoError(t, err)
	assert.Equal(t, signer1, got)

	// checksumming is idempotent
	again, err := Checksum(got)
	require.NoError(t, err)
	assert.Equal(t, got, again)

	_, err = Checksum("not an address")
	assert.Error(t, err)
}
