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
	"github.com/pkg/errors"
)

type Network struct {
	Name        string
	GenesisHash string
	Prefix      string
}

var networks = map[string]Network{
	"mainnet": {
		Name:        "mainnet",
		GenesisHash: "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f",
		Prefix:      "bitcoincash",
	},
	"testnet3": {
		Name:        "testnet3",
		GenesisHash: "000000000933ea01ad0ee984209779baaec3ced90fa3f408719526f8d77f4943",
		Prefix:      "bchtest",
	},
	"testnet4": {
		Name:        "testnet4",
		GenesisHash: "000000001dd410c49a788668ce26751718cc797474d3152a5fc073dd44fd9f7b",
		Prefix:      "bchtest",
	},
	// chipnet is a fork of testnet4 and shares its genesis block
	"chipnet": {
		Name:        "chipnet",
		GenesisHash: "000000001dd410c49a788668ce26751718cc797474d3152a5fc073dd44fd9f7b",
		Prefix:      "bchtest",
	},
}

func NetworkByName(name string) (Network, error) {
	n, ok := networks[name]
	if !ok {
		return Network{}, errors.Errorf("unknown network %q", name)
	}
	return n, nil
}
