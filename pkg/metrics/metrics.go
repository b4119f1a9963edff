/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package metrics

import (
	"sync"

	"github.com/couchbase/gocbcorex/contrib/buildversion"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type TopologyMetrics struct {
	NodesConnected    metric.Int64UpDownCounter
	NodesPruned       metric.Int64Counter
	ConfigsApplied    metric.Int64Counter
	BootstrapFailures metric.Int64Counter
	BucketsOpen       metric.Int64UpDownCounter
}

var (
	topologyMetrics     *TopologyMetrics
	topologyMetricsLock sync.Mutex
)

func GetTopologyMetrics() *TopologyMetrics {
	topologyMetricsLock.Lock()

	if topologyMetrics != nil {
		topologyMetricsLock.Unlock()
		return topologyMetrics
	}

	topologyMetrics = NewTopologyMetrics(otel.Meter(
		"com.couchbase.gocbtopology",
		metric.WithInstrumentationVersion(buildVersion)))

	topologyMetricsLock.Unlock()
	return topologyMetrics
}

var buildVersion string = buildversion.GetVersion("github.com/couchbase/gocbtopology")

// NewTopologyMetrics creates the instruments against a specific meter.
func NewTopologyMetrics(meter metric.Meter) *TopologyMetrics {
	nodesConnected, _ := meter.Int64UpDownCounter("topology_nodes_connected",
		metric.WithDescription("number of nodes with an open data service connection"))
	nodesPruned, _ := meter.Int64Counter("topology_nodes_pruned_total",
		metric.WithDescription("number of nodes removed because they left the cluster config"))
	configsApplied, _ := meter.Int64Counter("topology_configs_applied_total",
		metric.WithDescription("number of configs reconciled against the node set"))
	bootstrapFailures, _ := meter.Int64Counter("topology_bootstrap_failures_total",
		metric.WithDescription("number of failed bootstrap attempts against a seed"))
	bucketsOpen, _ := meter.Int64UpDownCounter("topology_buckets_open",
		metric.WithDescription("number of registered buckets"))

	return &TopologyMetrics{
		NodesConnected:    nodesConnected,
		NodesPruned:       nodesPruned,
		ConfigsApplied:    configsApplied,
		BootstrapFailures: bootstrapFailures,
		BucketsOpen:       bucketsOpen,
	}
}
