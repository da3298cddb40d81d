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

package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry(Watcher, Datapath)

	ready, states := r.Ready()
	assert.False(t, ready)
	assert.Equal(t, Status{Reason: "starting"}, states[Watcher])

	r.Set(Watcher, true, "ignored")
	setDatapath := r.Setter(Datapath)
	setDatapath(true, "")

	ready, states = r.Ready()
	assert.True(t, ready)
	assert.Equal(t, Status{Ready: true}, states[Watcher])
	assert.Equal(t, 1.0, testutil.ToFloat64(componentReady.WithLabelValues(Datapath)))

	setDatapath(false, "link down")
	ready, _ = r.Ready()
	assert.False(t, ready)
	assert.Equal(t, 0.0, testutil.ToFloat64(componentReady.WithLabelValues(Datapath)))
}

func TestHandlers(t *testing.T) {
	r := NewRegistry(Watcher, VIPTable)

	tests := []struct {
		name     string
		setup    func()
		handler  http.HandlerFunc
		wantCode int
		wantBody string
	}{
		{
			name:     "healthz while starting",
			handler:  r.Healthz,
			wantCode: http.StatusOK,
			wantBody: `"healthy"`,
		},
		{
			name:     "readyz while starting",
			handler:  r.Readyz,
			wantCode: http.StatusServiceUnavailable,
			wantBody: `{"status":"not ready","components":{"viptable":{"ready":false,"reason":"starting"},"watcher":{"ready":false,"reason":"starting"}}}`,
		},
		{
			name: "readyz partly ready",
			setup: func() {
				r.Set(Watcher, true, "")
				r.Set(VIPTable, false, "vip table full")
			},
			handler:  r.Readyz,
			wantCode: http.StatusServiceUnavailable,
			wantBody: `{"status":"not ready","components":{"viptable":{"ready":false,"reason":"vip table full"},"watcher":{"ready":true}}}`,
		},
		{
			name:     "readyz ready",
			setup:    func() { r.Set(VIPTable, true, "") },
			handler:  r.Readyz,
			wantCode: http.StatusOK,
			wantBody: `"ready"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			rec := httptest.NewRecorder()
			tt.handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
		})
	}
}
