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
	"strings"
)

type AddressType byte

const (
	AddressP2PKH      AddressType = 0
	AddressP2SH       AddressType = 1
	AddressTokenP2PKH AddressType = 2
	AddressTokenP2SH  AddressType = 3
)

const cashCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var cashCharsetRev = func() [128]int8 {
	var rev [128]int8
	for i := range rev {
		rev[i] = -1
	}
	for i, c := range cashCharset {
		rev[c] = int8(i)
	}
	return rev
}()

// hash sizes indexed by the size bits of the version byte
var hashSizes = [8]int{20, 24, 28, 32, 40, 48, 56, 64}

// Address is a decoded cashaddr.
type Address struct {
	Prefix string
	Type   AddressType
	Hash   []byte
}

func (a Address) IsScriptHash() bool {
	return a.Type == AddressP2SH || a.Type == AddressTokenP2SH
}

func (a Address) TokenAware() bool {
	return a.Type == AddressTokenP2PKH || a.Type == AddressTokenP2SH
}

// WithTokenSupport returns the same destination in its token-aware form or
// its plain form.
func (a Address) WithTokenSupport(on bool) Address {
	out := a
	switch {
	case on && a.Type == AddressP2PKH:
		out.Type = AddressTokenP2PKH
	case on && a.Type == AddressP2SH:
		out.Type = AddressTokenP2SH
	case !on && a.Type == AddressTokenP2PKH:
		out.Type = AddressP2PKH
	case !on && a.Type == AddressTokenP2SH:
		out.Type = AddressP2SH
	}
	return out
}

func (a Address) String() string {
	sizeCode := -1
	for i, s := range hashSizes {
		if s == len(a.Hash) {
			sizeCode = i
			break
		}
	}
	if sizeCode < 0 {
		return ""
	}
	payload := make([]byte, 0, len(a.Hash)+1)
	payload = append(payload, byte(a.Type)<<3|byte(sizeCode))
	payload = append(payload, a.Hash...)
	data := convertBits(payload, 8, 5, true)

	checksum := cashChecksum(a.Prefix, data)
	var sb strings.Builder
	sb.WriteString(a.Prefix)
	sb.WriteByte(':')
	for _, d := range data {
		sb.WriteByte(cashCharset[d])
	}
	for _, d := range checksum {
		sb.WriteByte(cashCharset[d])
	}
	return sb.String()
}

// DecodeAddress parses a cashaddr. A missing prefix is completed with
// defaultPrefix; an explicit prefix must equal it.
func DecodeAddress(s, defaultPrefix string) (Address, error) {
	invalid := func(reason string) (Address, error) {
		return Address{}, &ValidationError{Field: "address", Value: s, Reason: reason}
	}
	if s == "" {
		return invalid("empty")
	}
	if strings.ToLower(s) != s && strings.ToUpper(s) != s {
		return invalid("mixed case")
	}
	lower := strings.ToLower(s)

	prefix, body := defaultPrefix, lower
	if i := strings.LastIndexByte(lower, ':'); i >= 0 {
		prefix, body = lower[:i], lower[i+1:]
		if defaultPrefix != "" && prefix != defaultPrefix {
			return invalid("prefix " + prefix + " does not match network prefix " + defaultPrefix)
		}
	}
	if prefix == "" {
		return invalid("missing prefix")
	}
	if len(body) < 8+1 {
		return invalid("too short")
	}

	data := make([]byte, len(body))
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c >= 128 || cashCharsetRev[c] < 0 {
			return invalid("invalid character")
		}
		data[i] = byte(cashCharsetRev[c])
	}
	if cashPolymod(append(expandPrefix(prefix), data...)) != 0 {
		return invalid("checksum mismatch")
	}

	payload, ok := convertBitsStrict(data[:len(data)-8])
	if !ok || len(payload) < 1 {
		return invalid("bad padding")
	}
	version := payload[0]
	if version&0x80 != 0 {
		return invalid("reserved version bit set")
	}
	typ := AddressType((version >> 3) & 0x0f)
	hash := payload[1:]
	if len(hash) != hashSizes[version&0x07] {
		return invalid("hash size mismatch")
	}
	switch typ {
	case AddressP2PKH, AddressTokenP2PKH:
		if len(hash) != 20 {
			return invalid("unsupported pubkey hash size")
		}
	case AddressP2SH, AddressTokenP2SH:
		if len(hash) != 20 && len(hash) != 32 {
			return invalid("unsupported script hash size")
		}
	default:
		return invalid("unsupported address type")
	}
	return Address{Prefix: prefix, Type: typ, Hash: append([]byte(nil), hash...)}, nil
}

func expandPrefix(prefix string) []byte {
	out := make([]byte, 0, len(prefix)+1)
	for i := 0; i < len(prefix); i++ {
		out = append(out, prefix[i]&0x1f)
	}
	return append(out, 0)
}

func cashPolymod(values []byte) uint64 {
	c := uint64(1)
	for _, d := range values {
		c0 := byte(c >> 35)
		c = ((c & 0x07ffffffff) << 5) ^ uint64(d)
		if c0&0x01 != 0 {
			c ^= 0x98f2bc8e61
		}
		if c0&0x02 != 0 {
			c ^= 0x79b76d99e2
		}
		if c0&0x04 != 0 {
			c ^= 0xf33e5fb3c4
		}
		if c0&0x08 != 0 {
			c ^= 0xae2eabe2a8
		}
		if c0&0x10 != 0 {
			c ^= 0x1e4f43e470
		}
	}
	return c ^ 1
}

func cashChecksum(prefix string, data []byte) []byte {
	values := append(expandPrefix(prefix), data...)
	values = append(values, make([]byte, 8)...)
	mod := cashPolymod(values)
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = byte((mod >> (5 * (7 - uint(i)))) & 0x1f)
	}
	return out
}

func convertBits(data []byte, from, to uint, pad bool) []byte {
	acc, bits := uint(0), uint(0)
	maxv := uint(1)<<to - 1
	out := make([]byte, 0, len(data)*int(from)/int(to)+1)
	for _, v := range data {
		acc = acc<<from | uint(v)
		bits += from
		for bits >= to {
			bits -= to
			out = append(out, byte((acc>>bits)&maxv))
		}
	}
	if pad && bits > 0 {
		out = append(out, byte((acc<<(to-bits))&maxv))
	}
	return out
}

// convertBitsStrict converts 5-bit groups to bytes and rejects non-zero or
// oversized padding.
func convertBitsStrict(data []byte) ([]byte, bool) {
	acc, bits := uint(0), uint(0)
	out := make([]byte, 0, len(data)*5/8)
	for _, v := range data {
		acc = acc<<5 | uint(v)
		bits += 5
		for bits >= 8 {
			bits -= 8
			out = append(out, byte((acc>>bits)&0xff))
		}
	}
	if bits >= 5 || (acc<<(8-bits))&0xff != 0 {
		return nil, false
	}
	return out, true
}
