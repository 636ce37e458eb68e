//
// Copyright 2019 Insolar Technologies GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package chain

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type txBuilder struct {
	bytes.Buffer
}

func (b *txBuilder) u32(v uint32) {
	_ = binary.Write(b, binary.LittleEndian, v)
}

func (b *txBuilder) u64(v uint64) {
	_ = binary.Write(b, binary.LittleEndian, v)
}

func (b *txBuilder) varBytes(data []byte) {
	b.WriteByte(byte(len(data)))
	b.Write(data)
}

func testPubKey() []byte {
	pub := make([]byte, 33)
	pub[0] = 0x02
	for i := 1; i < len(pub); i++ {
		pub[i] = byte(i)
	}
	return pub
}

func repeat(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

// buildTestTx returns a transaction with one P2PKH spend, one plain output
// and one token output carrying an NFT and a fungible amount of 300.
func buildTestTx(t *testing.T, recipient Address, bitfield byte) []byte {
	t.Helper()
	pub := testPubKey()
	unlocking := append([]byte{0x03}, 0x30, 0x01, 0x01)
	unlocking = append(unlocking, byte(len(pub)))
	unlocking = append(unlocking, pub...)

	token := []byte{tokenPrefix}
	token = append(token, repeat(0xab, 31)...)
	token = append(token, 0xcd)
	token = append(token, bitfield)
	token = append(token, 0x02, 0xbe, 0xef)
	token = append(token, 0xfd, 0x2c, 0x01)
	token = append(token, recipient.LockingScript()...)

	b := &txBuilder{}
	b.u32(2)
	b.WriteByte(1)
	b.Write(repeat(0x11, 32))
	b.u32(1)
	b.varBytes(unlocking)
	b.u32(0xffffffff)
	b.WriteByte(2)
	b.u64(1000)
	b.varBytes(recipient.LockingScript())
	b.u64(800)
	b.varBytes(token)
	b.u32(0)
	return b.Bytes()
}

func TestDecodeTx(t *testing.T) {
	recipient, err := DecodeAddress(p2pkhAddr, "bitcoincash")
	require.NoError(t, err)

	raw := buildTestTx(t, recipient, tokenHasNFT|tokenHasCommitment|tokenHasAmount)
	tx, err := DecodeTx(raw, "bitcoincash")
	require.NoError(t, err)

	id := doubleSHA256(raw)
	reverse(id[:])
	assert.Equal(t, hex.EncodeToString(id[:]), tx.TxID)
	assert.Equal(t, uint32(2), tx.Version)

	require.Len(t, tx.Inputs, 1)
	in := tx.Inputs[0]
	assert.Equal(t, hex.EncodeToString(repeat(0x11, 32)), in.PrevTxID)
	assert.Equal(t, uint32(1), in.PrevVout)
	spender, ok := in.Address()
	require.True(t, ok)
	assert.Equal(t, hash160(testPubKey()), spender.Hash)
	assert.Equal(t, AddressP2PKH, spender.Type)

	require.Len(t, tx.Outputs, 2)
	plain := tx.Outputs[0]
	assert.Equal(t, uint64(1000), plain.Value)
	_, hasToken := plain.Token()
	assert.False(t, hasToken)
	addr, ok := plain.Address()
	require.True(t, ok)
	assert.Equal(t, p2pkhAddr, addr.String())

	tokenOut := tx.Outputs[1]
	assert.Equal(t, recipient.LockingScript(), tokenOut.Script)
	token, ok := tokenOut.Token()
	require.True(t, ok)
	assert.Equal(t, "cd"+hex.EncodeToString(repeat(0xab, 31)), token.Category)
	assert.Equal(t, "300", token.Amount().String())
	nft, ok := token.NFT()
	require.True(t, ok)
	assert.Equal(t, CapabilityNone, nft.Capability)
	assert.Equal(t, []byte{0xbe, 0xef}, nft.Commitment)
	addr, ok = tokenOut.Address()
	require.True(t, ok)
	assert.True(t, addr.TokenAware())
	assert.True(t, SameDestination(recipient, addr))
}

func TestDecodeTx_Errors(t *testing.T) {
	recipient, err := DecodeAddress(p2pkhAddr, "bitcoincash")
	require.NoError(t, err)
	raw := buildTestTx(t, recipient, tokenHasNFT|tokenHasCommitment|tokenHasAmount)

	t.Run("truncated", func(t *testing.T) {
		_, err := DecodeTx(raw[:len(raw)-3], "bitcoincash")
		require.Error(t, err)
		assert.True(t, IsDecode(err))
	})

	t.Run("trailing bytes", func(t *testing.T) {
		_, err := DecodeTx(append(append([]byte(nil), raw...), 0x00), "bitcoincash")
		require.Error(t, err)
		assert.True(t, IsDecode(err))
	})

	t.Run("reserved token bit", func(t *testing.T) {
		bad := buildTestTx(t, recipient, tokenReserved|tokenHasNFT|tokenHasCommitment|tokenHasAmount)
		_, err := DecodeTx(bad, "bitcoincash")
		require.Error(t, err)
		assert.True(t, IsDecode(err))
	})

	t.Run("capability without nft", func(t *testing.T) {
		bad := buildTestTx(t, recipient, tokenHasCommitment|tokenHasAmount)
		_, err := DecodeTx(bad, "bitcoincash")
		require.Error(t, err)
		assert.True(t, IsDecode(err))
	})

	t.Run("huge input count", func(t *testing.T) {
		bad := []byte{0x02, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
		_, err := DecodeTx(bad, "bitcoincash")
		require.Error(t, err)
		assert.True(t, IsDecode(err))
	})
}

func TestAddressFromUnlockingScript(t *testing.T) {
	pub := testPubKey()
	script := append([]byte{0x02, 0x30, 0x01, byte(len(pub))}, pub...)
	addr, ok := AddressFromUnlockingScript(script, "bitcoincash")
	require.True(t, ok)
	assert.Equal(t, hash160(pub), addr.Hash)

	_, ok = AddressFromUnlockingScript(append(script, 0x51), "bitcoincash")
	assert.False(t, ok, "three pushes")

	_, ok = AddressFromUnlockingScript([]byte{0x02, 0x30, 0x01, 0x03, 0x05, 0x06, 0x07}, "bitcoincash")
	assert.False(t, ok, "not a public key")

	_, ok = AddressFromUnlockingScript([]byte{0x02, 0x30}, "bitcoincash")
	assert.False(t, ok, "truncated push")
}

func TestScriptFingerprint(t *testing.T) {
	addr, err := DecodeAddress(p2pkhAddr, "bitcoincash")
	require.NoError(t, err)
	script, err := hex.DecodeString("76a914" + addrHash + "88ac")
	require.NoError(t, err)
	assert.Equal(t, script, addr.LockingScript())
	assert.Equal(t, ScriptFingerprint(script), addr.ScriptHash())
	assert.Len(t, addr.ScriptHash(), 64)
}
