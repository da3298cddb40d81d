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

// Package health tracks whether the exporter's parts are ready and
// serves that over HTTP.
package health

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	apiv1 "github.com/lbinternode/lb-inter-node-exporter/pkg/apis/v1"
)

// Components that gate readiness.
const (
	Watcher  = "watcher"
	Datapath = "datapath"
	VIPTable = "viptable"
)

var componentReady = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: apiv1.MetricsNamespace,
	Name:      "component_ready",
	Help:      "1 if the component is ready.",
}, []string{"component"})

func init() {
	prometheus.MustRegister(componentReady)
}

// Status is the state of one component.
type Status struct {
	Ready  bool   `json:"ready"`
	Reason string `json:"reason,omitempty"`
}

// Registry holds component states. The exporter is ready when every
// component is.
type Registry struct {
	mu         sync.RWMutex
	components map[string]Status
}

// NewRegistry returns a Registry in which each of components starts
// out not ready.
func NewRegistry(components ...string) *Registry {
	r := &Registry{components: map[string]Status{}}
	for _, c := range components {
		r.Set(c, false, "starting")
	}
	return r
}

// Set records the state of component.
func (r *Registry) Set(component string, ready bool, reason string) {
	if ready {
		reason = ""
	}
	r.mu.Lock()
	r.components[component] = Status{Ready: ready, Reason: reason}
	r.mu.Unlock()

	v := 0.0
	if ready {
		v = 1
	}
	componentReady.WithLabelValues(component).Set(v)
}

// Setter returns a func that sets the state of component.
func (r *Registry) Setter(component string) func(bool, string) {
	return func(ready bool, reason string) {
		r.Set(component, ready, reason)
	}
}

// Ready reports whether every component is ready, along with a copy
// of their states.
func (r *Registry) Ready() (bool, map[string]Status) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ready := true
	states := make(map[string]Status, len(r.components))
	for c, s := range r.components {
		states[c] = s
		ready = ready && s.Ready
	}
	return ready, states
}

// Healthz answers as long as the process is serving.
func (r *Registry) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, "healthy")
}

// Readyz answers 200 when every component is ready and 503 with the
// component states otherwise.
func (r *Registry) Readyz(w http.ResponseWriter, _ *http.Request) {
	ready, states := r.Ready()
	if ready {
		writeJSON(w, http.StatusOK, "ready")
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, struct {
		Status     string            `json:"status"`
		Components map[string]Status `json:"components"`
	}{
		Status:     "not ready",
		Components: states,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
