// Copyright 2024 Acnodal Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package k8s

import (
	"context"
	"errors"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/lbinternode/lb-inter-node-exporter/internal/logging"
	"github.com/lbinternode/lb-inter-node-exporter/internal/vip"
)

// DefaultBackoff is the restart schedule used by the agent.
var DefaultBackoff = wait.Backoff{
	Duration: time.Second,
	Factor:   2,
	Jitter:   0.1,
	Steps:    8,
	Cap:      2 * time.Minute,
}

// Supervise runs the watcher until ctx is done, restarting it with
// backoff when it fails. The watcher is reported not ready while it's
// down. It only returns an error if the event sink is closed.
func (c *Client) Supervise(ctx context.Context, backoff wait.Backoff) error {
	b := backoff
	for {
		err := c.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, vip.ErrQueueClosed) {
			c.ready(false, "vip event consumer is gone")
			return err
		}

		// a run that got as far as syncing was healthy for a while
		if c.hasSynced.Load() {
			b = backoff
		}

		restarts.Inc()
		c.ready(false, "service watcher restarting")
		delay := b.Step()
		logging.Error(c.logger, "op", "watch", "error", err, "retry", delay, "msg", "service watcher failed, restarting")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}
