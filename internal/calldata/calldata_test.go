package calldata

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/txfirewall/internal/advisory"
)

var spenderAddr = common.HexToAddress("0x3fC91A3afd70395Cd496C647d5a6CC9D4B2b7FAD")

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func encode(kind RiskKind, words ...[]byte) []byte {
	sel := kind.Selector()
	out := append([]byte{}, sel[:]...)
	for _, w := range words {
		out = append(out, common.LeftPadBytes(w, 32)...)
	}
	return out
}

func codes(ws []advisory.Warning) []string {
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.Code
	}
	return out
}

func TestSelectors(t *testing.T) {
	tests := map[RiskKind]string{
		RiskApprove:           "095ea7b3",
		RiskIncreaseAllowance: "39509351",
		RiskSetApprovalForAll: "a22cb465",
		RiskWithdraw:          "2e1a7d4d",
	}
	for kind, want := range tests {
		sel := kind.Selector()
		assert.Equal(t, want, hex.EncodeToString(sel[:]), kind.String())
	}
}

func TestDetect(t *testing.T) {
	assert.Equal(t, RiskNone, Detect(nil))
	assert.Equal(t, RiskNone, Detect([]byte{0x09, 0x5e, 0xa7}))
	assert.Equal(t, RiskApprove, Detect(mustHex(t, "095ea7b3")))
	// transfer(address,uint256)
	assert.Equal(t, RiskNone, Detect(mustHex(t, "a9059cbb")))
}

func TestScan_EmptyAndShort(t *testing.T) {
	assert.Empty(t, Scan(nil))
	assert.Empty(t, Scan([]byte{}))
	assert.Empty(t, Scan([]byte{0x09, 0x5e}))
}

func TestScan_UnlimitedApproval(t *testing.T) {
	data := encode(RiskApprove, spenderAddr.Bytes(), bytes.Repeat([]byte{0xff}, 32))
	ws := Scan(data)
	assert.Equal(t, []string{advisory.CodeApproval, advisory.CodeUnlimitedApproval}, codes(ws))
	assert.Contains(t, ws[1].Message, spenderAddr.Hex())
}

func TestScan_ZeroApprovalIsNotUnlimited(t *testing.T) {
	data := encode(RiskApprove, spenderAddr.Bytes(), []byte{0})
	assert.Equal(t, []string{advisory.CodeApproval}, codes(Scan(data)))
}

func TestScan_AlmostUnlimitedApproval(t *testing.T) {
	amount := bytes.Repeat([]byte{0xff}, 32)
	amount[31] = 0xfe
	data := encode(RiskApprove, spenderAddr.Bytes(), amount)
	assert.Equal(t, []string{advisory.CodeApproval}, codes(Scan(data)))
}

func TestScan_TruncatedApproval(t *testing.T) {
	sel := RiskApprove.Selector()
	ws := Scan(sel[:])
	require.Len(t, ws, 1)
	assert.Contains(t, ws[0].Message, "unknown address")
}

func TestScan_OtherKinds(t *testing.T) {
	assert.Equal(t, []string{advisory.CodeIncreaseAllowance},
		codes(Scan(encode(RiskIncreaseAllowance, spenderAddr.Bytes(), []byte{1}))))
	assert.Equal(t, []string{advisory.CodeOperatorApproval},
		codes(Scan(encode(RiskSetApprovalForAll, spenderAddr.Bytes(), []byte{1}))))
	assert.Equal(t, []string{advisory.CodeWithdrawal},
		codes(Scan(encode(RiskWithdraw, []byte{1}))))
}

func TestScan_UnknownSelector(t *testing.T) {
	assert.Empty(t, Scan(mustHex(t, "a9059cbb000000")))
}
