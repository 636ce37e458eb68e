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
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/ripemd160" //nolint:staticcheck
)

const (
	opDup         = 0x76
	opHash160     = 0xa9
	opHash256     = 0xaa
	opEqual       = 0x87
	opEqualVerify = 0x88
	opCheckSig    = 0xac
	opPushData1   = 0x4c
	opPushData2   = 0x4d
	opPushData4   = 0x4e
	op1Negate     = 0x4f
	op1           = 0x51
	op16          = 0x60
)

// LockingScript builds the canonical locking bytecode of the address.
func (a Address) LockingScript() []byte {
	switch {
	case !a.IsScriptHash():
		script := make([]byte, 0, 25)
		script = append(script, opDup, opHash160, 0x14)
		script = append(script, a.Hash...)
		return append(script, opEqualVerify, opCheckSig)
	case len(a.Hash) == 32:
		script := make([]byte, 0, 35)
		script = append(script, opHash256, 0x20)
		script = append(script, a.Hash...)
		return append(script, opEqual)
	default:
		script := make([]byte, 0, 23)
		script = append(script, opHash160, 0x14)
		script = append(script, a.Hash...)
		return append(script, opEqual)
	}
}

// ScriptHash is the indexer subscription key of the address.
func (a Address) ScriptHash() string {
	return ScriptFingerprint(a.LockingScript())
}

// ScriptFingerprint is sha256 of the locking script in reversed byte order,
// hex encoded.
func ScriptFingerprint(script []byte) string {
	sum := sha256.Sum256(script)
	reverse(sum[:])
	return hex.EncodeToString(sum[:])
}

// SameDestination reports whether two addresses lock to the same script.
// Token-aware and plain encodings of one hash are the same destination.
func SameDestination(a, b Address) bool {
	return a.IsScriptHash() == b.IsScriptHash() && bytes.Equal(a.Hash, b.Hash)
}

// AddressFromLockingScript recognises P2PKH, P2SH and P2SH32 templates.
func AddressFromLockingScript(script []byte, prefix string, tokenAware bool) (Address, bool) {
	var addr Address
	switch {
	case len(script) == 25 && script[0] == opDup && script[1] == opHash160 && script[2] == 0x14 &&
		script[23] == opEqualVerify && script[24] == opCheckSig:
		addr = Address{Prefix: prefix, Type: AddressP2PKH, Hash: append([]byte(nil), script[3:23]...)}
	case len(script) == 23 && script[0] == opHash160 && script[1] == 0x14 && script[22] == opEqual:
		addr = Address{Prefix: prefix, Type: AddressP2SH, Hash: append([]byte(nil), script[2:22]...)}
	case len(script) == 35 && script[0] == opHash256 && script[1] == 0x20 && script[34] == opEqual:
		addr = Address{Prefix: prefix, Type: AddressP2SH, Hash: append([]byte(nil), script[2:34]...)}
	default:
		return Address{}, false
	}
	return addr.WithTokenSupport(tokenAware), true
}

// AddressFromUnlockingScript extracts the public key of a standard
// <sig> <pubkey> spend and returns the P2PKH address it controls. Anything
// else is reported as unknown.
func AddressFromUnlockingScript(script []byte, prefix string) (Address, bool) {
	pushes, ok := parsePushes(script)
	if !ok || len(pushes) != 2 {
		return Address{}, false
	}
	pub := pushes[1]
	switch {
	case len(pub) == 33 && (pub[0] == 0x02 || pub[0] == 0x03):
	case len(pub) == 65 && pub[0] == 0x04:
	default:
		return Address{}, false
	}
	return Address{Prefix: prefix, Type: AddressP2PKH, Hash: hash160(pub)}, true
}

func parsePushes(script []byte) ([][]byte, bool) {
	var pushes [][]byte
	for i := 0; i < len(script); {
		op := script[i]
		i++
		var n int
		switch {
		case op == 0x00:
			pushes = append(pushes, []byte{})
			continue
		case op < opPushData1:
			n = int(op)
		case op == opPushData1:
			if i+1 > len(script) {
				return nil, false
			}
			n = int(script[i])
			i++
		case op == opPushData2:
			if i+2 > len(script) {
				return nil, false
			}
			n = int(binary.LittleEndian.Uint16(script[i:]))
			i += 2
		case op == opPushData4:
			if i+4 > len(script) {
				return nil, false
			}
			n = int(binary.LittleEndian.Uint32(script[i:]))
			i += 4
		case op == op1Negate || (op >= op1 && op <= op16):
			pushes = append(pushes, []byte{op})
			continue
		default:
			return nil, false
		}
		if n < 0 || i+n > len(script) {
			return nil, false
		}
		pushes = append(pushes, script[i:i+n])
		i += n
	}
	return pushes, true
}

func hash160(data []byte) []byte {
	sum := sha256.Sum256(data)
	h := ripemd160.New()
	_, _ = h.Write(sum[:])
	return h.Sum(nil)
}

func doubleSHA256(data []byte) [32]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
