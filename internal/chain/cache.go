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
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"

	"github.com/insolar/gatekeeper/configuration"
)

// caches groups the adapter's keyed stores. The expirable stores check TTL on
// every read and sweep expired entries in the background. Parsed
// transactions are content addressed and only bounded by size.
type caches struct {
	rawTx   *expirable.LRU[string, []byte]
	utxos   *expirable.LRU[string, []Utxo]
	history *expirable.LRU[string, []HistoryItem]
	parsed  *lru.Cache[string, *ParsedTx]
}

func newCaches(cfg configuration.Chain) (*caches, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = 1000
	}
	parsedSize := cfg.ParsedTxCacheSize
	if parsedSize <= 0 {
		parsedSize = size
	}
	parsed, err := lru.New[string, *ParsedTx](parsedSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to init parsed tx cache")
	}
	return &caches{
		rawTx:   expirable.NewLRU[string, []byte](size, nil, cfg.RawTxTTL),
		utxos:   expirable.NewLRU[string, []Utxo](size, nil, cfg.UtxoTTL),
		history: expirable.NewLRU[string, []HistoryItem](size, nil, cfg.HistoryTTL),
		parsed:  parsed,
	}, nil
}

// invalidateAddress drops the address-keyed entries, used after a caller
// needs a fresh view (e.g. a manual recheck).
func (c *caches) invalidateAddress(scriptHash string) {
	c.utxos.Remove(scriptHash)
	c.history.Remove(scriptHash)
}
