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
	"context"
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/insolar/gatekeeper/configuration"
	"github.com/insolar/gatekeeper/observability"
)

type HistoryItem struct {
	TxHash string `json:"tx_hash"`
	// 0 or negative for mempool transactions
	Height int64 `json:"height"`
}

// Utxo is an unspent output reported by the indexer. Its token prefix is an
// optional variant, see Token.
type Utxo struct {
	TxHash string
	TxPos  uint32
	Height int64
	Value  uint64
	token  *TokenData
}

func (u Utxo) Token() (TokenData, bool) {
	if u.token == nil {
		return TokenData{}, false
	}
	return *u.token, true
}

type wireUtxo struct {
	TxHash    string     `json:"tx_hash"`
	TxPos     uint32     `json:"tx_pos"`
	Height    int64      `json:"height"`
	Value     uint64     `json:"value"`
	TokenData *wireToken `json:"token_data,omitempty"`
}

type wireToken struct {
	Category string `json:"category"`
	Amount   string `json:"amount"`
	NFT      *struct {
		Capability string `json:"capability"`
		Commitment string `json:"commitment"`
	} `json:"nft,omitempty"`
}

func (w wireUtxo) utxo() (Utxo, error) {
	u := Utxo{TxHash: w.TxHash, TxPos: w.TxPos, Height: w.Height, Value: w.Value}
	if w.TokenData == nil {
		return u, nil
	}
	amount := new(big.Int)
	if w.TokenData.Amount != "" {
		if _, ok := amount.SetString(w.TokenData.Amount, 10); !ok || amount.Sign() < 0 {
			return Utxo{}, errors.Errorf("bad token amount %q in %s:%d", w.TokenData.Amount, w.TxHash, w.TxPos)
		}
	}
	var nft *NFT
	if w.TokenData.NFT != nil {
		commitment, err := hex.DecodeString(w.TokenData.NFT.Commitment)
		if err != nil {
			return Utxo{}, errors.Wrapf(err, "bad nft commitment in %s:%d", w.TxHash, w.TxPos)
		}
		nft = &NFT{Capability: NFTCapability(w.TokenData.NFT.Capability), Commitment: commitment}
	}
	token := NewTokenData(strings.ToLower(w.TokenData.Category), amount, nft)
	u.token = &token
	return u, nil
}

// Adapter is the chain-facing API used by the rest of the system: typed
// indexer queries with caching on top of a Client.
type Adapter struct {
	client  *Client
	network Network
	log     logrus.FieldLogger
	cache   *caches
}

func NewAdapter(cfg configuration.Chain, obs *observability.Observability) (*Adapter, error) {
	network, err := NetworkByName(cfg.Network)
	if err != nil {
		return nil, err
	}
	cache, err := newCaches(cfg)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		client:  NewClient(cfg, network, obs),
		network: network,
		log:     obs.Log().WithField("component", "chain"),
		cache:   cache,
	}, nil
}

func (a *Adapter) Connect(ctx context.Context) error {
	return a.client.Connect(ctx)
}

func (a *Adapter) Disconnect() {
	a.client.Disconnect()
}

func (a *Adapter) State() State {
	return a.client.State()
}

func (a *Adapter) Network() Network {
	return a.network
}

// ParseAddress validates a cashaddr for the configured network.
func (a *Adapter) ParseAddress(s string) (Address, error) {
	return DecodeAddress(s, a.network.Prefix)
}

func (a *Adapter) ServerFeatures(ctx context.Context) (*ServerFeatures, error) {
	features := &ServerFeatures{}
	if err := a.client.Call(ctx, "server.features", nil, features); err != nil {
		return nil, err
	}
	return features, nil
}

func (a *Adapter) GetRawTx(ctx context.Context, txid string) ([]byte, error) {
	txid, err := ValidateTxID(txid)
	if err != nil {
		return nil, err
	}
	if raw, ok := a.cache.rawTx.Get(txid); ok {
		return raw, nil
	}
	var rawHex string
	if err := a.client.Call(ctx, "blockchain.transaction.get", []interface{}{txid, false}, &rawHex); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, &DecodeError{TxID: txid, Reason: "transaction is not hex: " + err.Error()}
	}
	a.cache.rawTx.Add(txid, raw)
	return raw, nil
}

func (a *Adapter) GetTx(ctx context.Context, txid string) (*ParsedTx, error) {
	txid, err := ValidateTxID(txid)
	if err != nil {
		return nil, err
	}
	if tx, ok := a.cache.parsed.Get(txid); ok {
		return tx, nil
	}
	raw, err := a.GetRawTx(ctx, txid)
	if err != nil {
		return nil, err
	}
	tx, err := DecodeTx(raw, a.network.Prefix)
	if err != nil {
		if de, ok := err.(*DecodeError); ok {
			de.TxID = txid
		}
		return nil, err
	}
	if tx.TxID != txid {
		return nil, &DecodeError{TxID: txid, Reason: "decoded transaction hashes to " + tx.TxID}
	}
	a.cache.parsed.Add(txid, tx)
	return tx, nil
}

func (a *Adapter) GetAddressHistory(ctx context.Context, address string) ([]HistoryItem, error) {
	addr, err := a.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	key := addr.ScriptHash()
	if items, ok := a.cache.history.Get(key); ok {
		return items, nil
	}
	var items []HistoryItem
	if err := a.client.Call(ctx, "blockchain.scripthash.get_history", []interface{}{key}, &items); err != nil {
		return nil, err
	}
	a.cache.history.Add(key, items)
	return items, nil
}

func (a *Adapter) GetAddressUtxos(ctx context.Context, address string) ([]Utxo, error) {
	addr, err := a.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	key := addr.ScriptHash()
	if utxos, ok := a.cache.utxos.Get(key); ok {
		return utxos, nil
	}
	var wire []wireUtxo
	if err := a.client.Call(ctx, "blockchain.scripthash.listunspent", []interface{}{key}, &wire); err != nil {
		return nil, err
	}
	utxos := make([]Utxo, 0, len(wire))
	for _, w := range wire {
		u, err := w.utxo()
		if err != nil {
			return nil, &ProtocolError{Method: "blockchain.scripthash.listunspent", Code: -1, Message: err.Error()}
		}
		utxos = append(utxos, u)
	}
	a.cache.utxos.Add(key, utxos)
	return utxos, nil
}

// Refresh drops cached utxo and history entries of the address.
func (a *Adapter) Refresh(address string) {
	addr, err := a.ParseAddress(address)
	if err != nil {
		return
	}
	a.cache.invalidateAddress(addr.ScriptHash())
}

func (a *Adapter) GetTokenBalanceFT(ctx context.Context, address, category string) (*big.Int, error) {
	category, err := ValidateCategory(category)
	if err != nil {
		return nil, err
	}
	utxos, err := a.GetAddressUtxos(ctx, address)
	if err != nil {
		return nil, err
	}
	return SumFungible(utxos, category), nil
}

func (a *Adapter) GetTokenBalanceNFTCount(ctx context.Context, address, category string) (int, error) {
	category, err := ValidateCategory(category)
	if err != nil {
		return 0, err
	}
	utxos, err := a.GetAddressUtxos(ctx, address)
	if err != nil {
		return 0, err
	}
	return CountNFTs(utxos, category), nil
}

// ScanIncoming lists the history entries of the address, oldest first,
// without duplicate transactions. Callers inspect the outputs to find actual
// payments.
func (a *Adapter) ScanIncoming(ctx context.Context, address string) ([]HistoryItem, error) {
	items, err := a.GetAddressHistory(ctx, address)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(items))
	res := make([]HistoryItem, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.TxHash]; ok {
			continue
		}
		seen[item.TxHash] = struct{}{}
		res = append(res, item)
	}
	return res, nil
}

func (a *Adapter) ScanIncomingTxs(ctx context.Context, address string) ([]string, error) {
	items, err := a.ScanIncoming(ctx, address)
	if err != nil {
		return nil, err
	}
	txids := make([]string, 0, len(items))
	for _, item := range items {
		txids = append(txids, item.TxHash)
	}
	return txids, nil
}

// TipHeight returns the height of the indexer's best block.
func (a *Adapter) TipHeight(ctx context.Context) (int64, error) {
	var tip struct {
		Height int64 `json:"height"`
	}
	if err := a.client.Call(ctx, "blockchain.headers.get_tip", nil, &tip); err != nil {
		return 0, err
	}
	return tip.Height, nil
}

// ResolveInputAddresses returns the known spending addresses of tx. An input
// is resolved from its unlocking script when possible, otherwise from the
// output it spends. Inputs whose script maps to no address are skipped. A
// failed lookup of a spent output does not stop the others: the addresses
// resolved so far are returned with the first such error.
func (a *Adapter) ResolveInputAddresses(ctx context.Context, tx *ParsedTx) ([]Address, error) {
	addrs := make([]Address, 0, len(tx.Inputs))
	var firstErr error
	for _, in := range tx.Inputs {
		if addr, ok := in.Address(); ok {
			addrs = append(addrs, addr)
			continue
		}
		prev, err := a.GetTx(ctx, in.PrevTxID)
		if err != nil {
			if IsDecode(err) {
				a.log.WithError(err).WithField("txid", in.PrevTxID).Debug("spent transaction is undecodable, input skipped")
				continue
			}
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "failed to resolve input %s:%d", in.PrevTxID, in.PrevVout)
			}
			continue
		}
		if int(in.PrevVout) >= len(prev.Outputs) {
			continue
		}
		if addr, ok := prev.Outputs[in.PrevVout].Address(); ok {
			addrs = append(addrs, addr)
		}
	}
	return addrs, firstErr
}

func SumFungible(utxos []Utxo, category string) *big.Int {
	sum := new(big.Int)
	for _, u := range utxos {
		token, ok := u.Token()
		if !ok || token.Category != category {
			continue
		}
		sum.Add(sum, token.Amount())
	}
	return sum
}

func CountNFTs(utxos []Utxo, category string) int {
	count := 0
	for _, u := range utxos {
		token, ok := u.Token()
		if !ok || token.Category != category {
			continue
		}
		if _, ok := token.NFT(); ok {
			count++
		}
	}
	return count
}

func ValidateTxID(txid string) (string, error) {
	return validateHash32("txid", txid)
}

func ValidateCategory(category string) (string, error) {
	return validateHash32("token category", category)
}

func validateHash32(field, value string) (string, error) {
	lower := strings.ToLower(value)
	if len(lower) != 64 {
		return "", &ValidationError{Field: field, Value: value, Reason: "must be 64 hex characters"}
	}
	if _, err := hex.DecodeString(lower); err != nil {
		return "", &ValidationError{Field: field, Value: value, Reason: "not hex"}
	}
	return lower, nil
}
