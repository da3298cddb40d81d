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

package drain

import (
	"github.com/prometheus/client_golang/prometheus"

	apiv1 "github.com/lbinternode/lb-inter-node-exporter/pkg/apis/v1"
)

var (
	pickedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: apiv1.MetricsNamespace,
		Name:      "picked_total",
		Help:      "The count of picked as the intermediate node",
	}, []string{
		"src",
		"dst",
	})

	decodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: apiv1.MetricsNamespace,
		Name:      "drain_decode_errors_total",
		Help:      "Number of event records that couldn't be decoded.",
	})
)

func init() {
	prometheus.MustRegister(pickedTotal)
	prometheus.MustRegister(decodeErrors)
}
