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
	"encoding/binary"
	"encoding/hex"
	"math"
	"math/big"
)

const (
	tokenPrefix = 0xef

	tokenReserved      = 0x80
	tokenHasCommitment = 0x40
	tokenHasNFT        = 0x20
	tokenHasAmount     = 0x10
	tokenCapability    = 0x0f

	maxCommitmentLen = 40
)

type NFTCapability string

const (
	CapabilityNone    NFTCapability = "none"
	CapabilityMutable NFTCapability = "mutable"
	CapabilityMinting NFTCapability = "minting"
)

var capabilities = [...]NFTCapability{CapabilityNone, CapabilityMutable, CapabilityMinting}

type NFT struct {
	Capability NFTCapability
	Commitment []byte
}

// TokenData is the token prefix of an output. The fungible amount and the
// NFT are both optional.
type TokenData struct {
	// Category id in display (reversed) byte order, hex encoded.
	Category string
	amount   *big.Int
	nft      *NFT
}

func NewTokenData(category string, amount *big.Int, nft *NFT) TokenData {
	return TokenData{Category: category, amount: amount, nft: nft}
}

// Amount returns the fungible amount, zero when the output carries none.
func (t TokenData) Amount() *big.Int {
	if t.amount == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(t.amount)
}

func (t TokenData) HasAmount() bool {
	return t.amount != nil && t.amount.Sign() > 0
}

func (t TokenData) NFT() (NFT, bool) {
	if t.nft == nil {
		return NFT{}, false
	}
	return *t.nft, true
}

type Input struct {
	PrevTxID string
	PrevVout uint32
	Script   []byte
	Sequence uint32
	address  *Address
}

// Address is the address derived from the unlocking script, if any.
func (in Input) Address() (Address, bool) {
	if in.address == nil {
		return Address{}, false
	}
	return *in.address, true
}

type Output struct {
	Value   uint64
	Script  []byte
	token   *TokenData
	address *Address
}

func (o Output) Token() (TokenData, bool) {
	if o.token == nil {
		return TokenData{}, false
	}
	return *o.token, true
}

func (o Output) Address() (Address, bool) {
	if o.address == nil {
		return Address{}, false
	}
	return *o.address, true
}

// NewInput builds an input spending an already resolved address.
func NewInput(prevTxID string, vout uint32, addr *Address) Input {
	return Input{PrevTxID: prevTxID, PrevVout: vout, Sequence: 0xffffffff, address: addr}
}

// NewOutput builds an output paying value to addr, optionally carrying token.
func NewOutput(value uint64, addr Address, token *TokenData) Output {
	return Output{Value: value, Script: addr.LockingScript(), token: token, address: &addr}
}

type ParsedTx struct {
	TxID     string
	Version  uint32
	Inputs   []Input
	Outputs  []Output
	LockTime uint32
}

// DecodeTx parses a serialized transaction. prefix is the cashaddr prefix
// used for derived addresses.
func DecodeTx(raw []byte, prefix string) (*ParsedTx, error) {
	r := &reader{buf: raw}
	tx := &ParsedTx{}

	tx.Version = r.uint32()
	nIn := r.length()
	if r.err != nil {
		return nil, r.err
	}
	tx.Inputs = make([]Input, 0, nIn)
	for i := 0; i < nIn; i++ {
		prev := r.bytes(32)
		vout := r.uint32()
		script := r.bytes(r.length())
		seq := r.uint32()
		if r.err != nil {
			return nil, r.err
		}
		txid := append([]byte(nil), prev...)
		reverse(txid)
		in := Input{
			PrevTxID: hex.EncodeToString(txid),
			PrevVout: vout,
			Script:   append([]byte(nil), script...),
			Sequence: seq,
		}
		if addr, ok := AddressFromUnlockingScript(in.Script, prefix); ok {
			in.address = &addr
		}
		tx.Inputs = append(tx.Inputs, in)
	}

	nOut := r.length()
	if r.err != nil {
		return nil, r.err
	}
	tx.Outputs = make([]Output, 0, nOut)
	for i := 0; i < nOut; i++ {
		value := r.uint64()
		script := r.bytes(r.length())
		if r.err != nil {
			return nil, r.err
		}
		out, err := decodeOutput(value, script, prefix)
		if err != nil {
			err.Offset += r.off - len(script)
			return nil, err
		}
		tx.Outputs = append(tx.Outputs, out)
	}
	tx.LockTime = r.uint32()
	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(raw) {
		return nil, &DecodeError{Offset: r.off, Reason: "trailing bytes"}
	}

	id := doubleSHA256(raw)
	reverse(id[:])
	tx.TxID = hex.EncodeToString(id[:])
	return tx, nil
}

func decodeOutput(value uint64, script []byte, prefix string) (Output, *DecodeError) {
	out := Output{Value: value}
	locking := script
	if len(script) > 0 && script[0] == tokenPrefix {
		token, rest, err := decodeTokenPrefix(script)
		if err != nil {
			return Output{}, err
		}
		out.token = &token
		locking = rest
	}
	out.Script = append([]byte(nil), locking...)
	if addr, ok := AddressFromLockingScript(out.Script, prefix, out.token != nil); ok {
		out.address = &addr
	}
	return out, nil
}

func decodeTokenPrefix(script []byte) (TokenData, []byte, *DecodeError) {
	r := &reader{buf: script, off: 1}
	category := append([]byte(nil), r.bytes(32)...)
	bitfield := r.byte()
	if r.err != nil {
		return TokenData{}, nil, r.err
	}
	fail := func(reason string) (TokenData, []byte, *DecodeError) {
		return TokenData{}, nil, &DecodeError{Offset: r.off, Reason: reason}
	}
	if bitfield&tokenReserved != 0 {
		return fail("token prefix reserved bit set")
	}
	hasNFT := bitfield&tokenHasNFT != 0
	hasCommitment := bitfield&tokenHasCommitment != 0
	hasAmount := bitfield&tokenHasAmount != 0
	capability := bitfield & tokenCapability
	if !hasNFT && (hasCommitment || capability != 0) {
		return fail("token prefix commitment or capability without nft")
	}
	if !hasNFT && !hasAmount {
		return fail("token prefix carries neither nft nor amount")
	}
	if int(capability) >= len(capabilities) {
		return fail("token prefix unknown nft capability")
	}

	reverse(category)
	token := TokenData{Category: hex.EncodeToString(category)}
	if hasNFT {
		nft := &NFT{Capability: capabilities[capability], Commitment: []byte{}}
		if hasCommitment {
			n := r.length()
			if r.err == nil && (n == 0 || n > maxCommitmentLen) {
				return fail("token commitment length out of range")
			}
			nft.Commitment = append([]byte(nil), r.bytes(n)...)
		}
		token.nft = nft
	}
	if hasAmount {
		amount := r.count()
		if r.err == nil && (amount == 0 || amount > math.MaxInt64) {
			return fail("token amount out of range")
		}
		token.amount = new(big.Int).SetUint64(amount)
	}
	if r.err != nil {
		return TokenData{}, nil, r.err
	}
	return token, script[r.off:], nil
}

type reader struct {
	buf []byte
	off int
	err *DecodeError
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = &DecodeError{Offset: r.off, Reason: "unexpected end of data"}
		return false
	}
	return true
}

func (r *reader) byte() byte {
	if !r.need(1) {
		return 0
	}
	b := r.buf[r.off]
	r.off++
	return b
}

func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) uint32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) uint64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

// count reads a compact size integer.
func (r *reader) count() uint64 {
	first := r.byte()
	var v uint64
	switch first {
	case 0xfd:
		if !r.need(2) {
			return 0
		}
		v = uint64(binary.LittleEndian.Uint16(r.buf[r.off:]))
		r.off += 2
	case 0xfe:
		v = uint64(r.uint32())
	case 0xff:
		v = r.uint64()
	default:
		v = uint64(first)
	}
	return v
}

// length reads a compact size that must fit in the remaining data.
func (r *reader) length() int {
	v := r.count()
	if r.err == nil && v > uint64(len(r.buf)-r.off) {
		r.err = &DecodeError{Offset: r.off, Reason: "length exceeds remaining data"}
		return 0
	}
	return int(v)
}
