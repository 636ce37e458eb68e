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

package cycle

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

type Limit int

const (
	INFINITY Limit = math.MaxInt32
)

// Until calls f until it succeeds, returns an error rejected by retryable,
// the attempts are exhausted or ctx is done. The last error is returned.
func Until(ctx context.Context, f func() error, retryable func(error) bool, interval time.Duration, attempts Limit, log logrus.FieldLogger) error {
	counter := Limit(1)
	if attempts < 1 {
		attempts = 1
	}
	for {
		err := f()
		if err == nil {
			return nil
		}
		if !retryable(err) || counter >= attempts {
			return err
		}
		log.Warnf("Transient error, try again (attempt %d, totalAttempts %d) %v", counter, attempts, err)
		counter++
		select {
		case <-ctx.Done():
			return err
		case <-time.After(interval):
		}
	}
}
