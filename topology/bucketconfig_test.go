package topology

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBucketConfig = `{
	"rev": 1073,
	"revEpoch": 2,
	"name": "travel-sample",
	"uuid": "4d3a7e2b7b5d4f8e9b0a1c2d3e4f5a6b",
	"nodeLocator": "vbucket",
	"bucketCapabilities": ["collections", "couchapi", "durableWrite"],
	"collectionsManifestUid": "1a",
	"nodes": [
		{"hostname": "$HOST:8091", "ports": {"direct": 11210}},
		{"hostname": "10.0.0.2:8091", "ports": {"direct": 11210}}
	],
	"nodesExt": [
		{
			"thisNode": true,
			"services": {"kv": 11210, "kvSSL": 11207, "mgmt": 8091, "capi": 8092, "n1ql": 8093},
			"alternateAddresses": {"external": {"hostname": "node1.public.com", "ports": {"kv": 31210, "mgmt": 38091}}}
		},
		{
			"hostname": "10.0.0.2",
			"services": {"kv": 11210, "mgmt": 8091, "fts": 8094},
			"alternateAddresses": {"external": {"hostname": "node2.public.com", "ports": {"kv": 31211, "mgmt": 38092}}}
		},
		{
			"hostname": "10.0.0.3",
			"services": {"kv": 11210, "mgmt": 8091, "cbas": 8095},
			"alternateAddresses": {"external": {"hostname": "node3.public.com", "ports": {"kv": 31212, "mgmt": 38093}}}
		}
	],
	"clusterCapabilitiesVer": [1, 0],
	"clusterCapabilities": {"n1ql": ["enhancedPreparedStatements"]}
}`

func TestParseBucketConfig(t *testing.T) {
	config, err := ParseBucketConfig([]byte(testBucketConfig), ParseOptions{
		SourceHost: "10.0.0.1",
	})
	require.NoError(t, err)

	assert.Equal(t, "travel-sample", config.Name)
	assert.False(t, config.IsGlobal)
	assert.Equal(t, Revision{Epoch: 2, Rev: 1073}, config.Revision())
	assert.Equal(t, NodeLocatorVbucket, config.NodeLocator)
	assert.Equal(t, "1a", config.CollectionsManifestUID)
	assert.Equal(t, NetworkTypeDefault, config.NetworkType)
	assert.True(t, config.HasBucketCapability("couchapi"))
	assert.False(t, config.HasBucketCapability("ketama"))
	assert.True(t, config.HasClusterCapability("n1ql", "enhancedPreparedStatements"))

	require.Len(t, config.Nodes, 3)

	// the node the config came from has no hostname and takes the source host
	assert.Equal(t, "10.0.0.1", config.Nodes[0].Hostname)
	assert.True(t, config.Nodes[0].ThisNode)
	assert.True(t, config.Nodes[0].HasViews())
	assert.Equal(t, HostEndpoint{Host: "10.0.0.1", Port: 11207}, config.Nodes[0].KeyEndpoint(true))

	assert.True(t, config.Nodes[1].HasSearch())
	assert.True(t, config.Nodes[1].HasKv())

	// node 3 is not listed in nodes yet, so its data service isn't ready
	assert.False(t, config.Nodes[2].HasKv())
	assert.True(t, config.Nodes[2].HasAnalytics())
	assert.Equal(t, HostEndpoint{Host: "10.0.0.3", Port: 8091}, config.Nodes[2].KeyEndpoint(false))
}

func TestParseBucketConfigExternalNetwork(t *testing.T) {
	data := strings.Replace(testBucketConfig, `"thisNode": true,`, `"hostname": "10.0.0.1",`, 1)
	config, err := ParseBucketConfig([]byte(data), ParseOptions{
		SourceHost: "node2.public.com",
	})
	require.NoError(t, err)

	assert.Equal(t, NetworkTypeExternal, config.NetworkType)
	require.Len(t, config.Nodes, 3)

	assert.Equal(t, HostEndpoint{Host: "node2.public.com", Port: 31211}, config.Nodes[1].KeyEndpoint(false))
	assert.False(t, config.Nodes[1].HasSearch())

	// the not-ready node stays without a data service on the external network
	assert.Equal(t, "node3.public.com", config.Nodes[2].Hostname)
	assert.False(t, config.Nodes[2].HasKv())
	assert.Equal(t, HostEndpoint{Host: "node3.public.com", Port: 38093}, config.Nodes[2].KeyEndpoint(false))
}

func TestParseBucketConfigForcedNetwork(t *testing.T) {
	config, err := ParseBucketConfig([]byte(testBucketConfig), ParseOptions{
		SourceHost:  "10.0.0.1",
		NetworkType: NetworkTypeExternal,
	})
	require.NoError(t, err)

	assert.Equal(t, NetworkTypeExternal, config.NetworkType)
	assert.Equal(t, "node1.public.com", config.Nodes[0].Hostname)
}

func TestParseBucketConfigIPv6Source(t *testing.T) {
	config, err := ParseBucketConfig([]byte(`{
		"rev": 1,
		"nodesExt": [{"hostname": "$HOST", "services": {"kv": 11210}}]
	}`), ParseOptions{
		SourceHost: "::1",
	})
	require.NoError(t, err)

	assert.True(t, config.IsGlobal)
	require.Len(t, config.Nodes, 1)
	assert.Equal(t, "::1", config.Nodes[0].Hostname)
	assert.Equal(t, "[::1]:11210", config.Nodes[0].KeyEndpoint(false).String())
}

func TestParseBucketConfigErrors(t *testing.T) {
	_, err := ParseBucketConfig([]byte(`{"rev": 1, "nodesExt": []}`), ParseOptions{})
	assert.Error(t, err)

	_, err = ParseBucketConfig([]byte(`{"rev": `), ParseOptions{})
	assert.Error(t, err)
}

func TestRevisionCompare(t *testing.T) {
	assert.Equal(t, 0, Revision{Epoch: 1, Rev: 10}.Compare(Revision{Epoch: 1, Rev: 10}))
	assert.Equal(t, 1, Revision{Epoch: 1, Rev: 11}.Compare(Revision{Epoch: 1, Rev: 10}))
	assert.Equal(t, -1, Revision{Epoch: 1, Rev: 10}.Compare(Revision{Epoch: 1, Rev: 11}))
	assert.Equal(t, 1, Revision{Epoch: 2, Rev: 1}.Compare(Revision{Epoch: 1, Rev: 900}))
	assert.Equal(t, -1, Revision{Epoch: 0, Rev: 900}.Compare(Revision{Epoch: 1, Rev: 1}))
	assert.Equal(t, "2/5", Revision{Epoch: 2, Rev: 5}.String())
}

func TestServicePorts(t *testing.T) {
	ports := ServicePorts{Kv: 11210, KvSSL: 11207, Query: 8093}

	assert.Equal(t, 11210, ports.Port(ServiceTypeKeyValue, false))
	assert.Equal(t, 11207, ports.Port(ServiceTypeKeyValue, true))
	assert.Equal(t, 0, ports.Port(ServiceTypeQuery, true))
	assert.Equal(t, 0, ports.Port(ServiceTypeSearch, false))
}
