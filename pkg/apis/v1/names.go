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

// Package v1 holds the names that the exporter shares with the
// outside world: the eBPF object, dashboards and alerts.
package v1

const (
	// ServiceName identifies the exporter in traces and in the k8s
	// client's user agent.
	ServiceName string = "lb-inter-node-exporter"

	// ============================================================================
	// eBPF object
	// ============================================================================

	// ProgramName is the XDP program in the eBPF object.
	ProgramName string = "lb_inter_node_exporter"

	// IPv4VIPMap is the hash of IPv4 VIPs (host-order u32 keys).
	IPv4VIPMap string = "IPV4VIP"

	// IPv6VIPMap is the hash of IPv6 VIPs. Nothing writes to it yet.
	IPv6VIPMap string = "IPV6VIP"

	// IPv4EventMap is the ring buffer of IPv4 event records.
	IPv4EventMap string = "IPV4EVENT"

	// IPv6EventMap is the ring buffer of IPv6 event records. Nothing
	// writes to it yet.
	IPv6EventMap string = "IPV6EVENT"

	// StatsMap is the per-CPU array of classifier counters, indexed by
	// the Stat* constants.
	StatsMap string = "STATS"

	StatPass           uint32 = 0
	StatAborted        uint32 = 1
	StatEventSubmitted uint32 = 2
	StatEventDropped   uint32 = 3

	// ============================================================================
	// Metrics
	// ============================================================================

	// MetricsNamespace is the Prometheus metrics namespace.
	MetricsNamespace string = "lb_inter_node_exporter"
)
