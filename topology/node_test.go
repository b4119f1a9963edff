package topology

import (
	"context"
	"testing"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	changes []EndpointsChange
}

func (l *recordingListener) nodeEndpointsChanged(node *Node, change EndpointsChange) {
	l.changes = append(l.changes, change)
}

func TestNodeServiceURIs(t *testing.T) {
	node := NewNode(NodeOptions{
		Endpoint: testEndpoint(1),
	})

	assert.Nil(t, node.QueryURI())

	node.SetDescriptor(NodeDescriptor{
		Hostname: "10.0.0.1",
		Ports: ServicePorts{
			Kv:        11210,
			Query:     8093,
			Search:    8094,
			Analytics: 8095,
			Views:     8092,
			Mgmt:      8091,
		},
	})

	assert.Equal(t, "http://10.0.0.1:8093/query/service", node.QueryURI().String())
	assert.Equal(t, "http://10.0.0.1:8094/", node.SearchURI().String())
	assert.Equal(t, "http://10.0.0.1:8095/analytics/service", node.AnalyticsURI().String())
	assert.Equal(t, "http://10.0.0.1:8092/", node.ViewsURI().String())
	assert.Equal(t, "http://10.0.0.1:8091/", node.ManagementURI().String())

	_, ok := node.LastActivity(ServiceTypeQuery)
	assert.True(t, ok)
	_, ok = node.LastActivity(ServiceTypeKeyValue)
	assert.False(t, ok)

	// returned uris are copies
	uri := node.QueryURI()
	uri.Path = "/mutated"
	assert.Equal(t, "/query/service", node.QueryURI().Path)
}

func TestNodeServiceURIsWithTLSAndIPv6(t *testing.T) {
	node := NewNode(NodeOptions{
		Endpoint: HostEndpoint{Host: "::1", Port: 11207},
		UseTLS:   true,
	})

	node.SetDescriptor(NodeDescriptor{
		Hostname: "::1",
		Ports: ServicePorts{
			KvSSL:    11207,
			Query:    8093,
			QuerySSL: 18093,
		},
	})

	assert.Equal(t, "https://[::1]:18093/query/service", node.QueryURI().String())
	assert.Nil(t, node.SearchURI())
	assert.True(t, node.HasKv())
	assert.False(t, node.HasMgmt())
}

func TestNodeCapabilitiesBeforeDescriptor(t *testing.T) {
	withConn := newTestNode(testEndpoint(1))
	assert.True(t, withConn.HasKv())
	assert.False(t, withConn.HasQuery())

	withoutConn := NewNode(NodeOptions{Endpoint: testEndpoint(2)})
	assert.False(t, withoutConn.HasKv())

	err := withoutConn.SelectBucket(context.Background(), "default")
	assert.ErrorIs(t, err, ErrNoKvService)
}

func TestNodeKeyEndpointChanges(t *testing.T) {
	node := NewNode(NodeOptions{
		BootstrapEndpoint: HostEndpoint{Host: "seed.example.com", Port: 11210},
		Endpoint:          testEndpoint(1),
	})

	assert.Equal(t, []HostEndpoint{
		testEndpoint(1),
		{Host: "seed.example.com", Port: 11210},
	}, node.KeyEndpoints())

	listener := &recordingListener{}
	node.subscribe(listener)

	node.SetDescriptor(NodeDescriptor{
		Hostname: "10.0.0.1",
		Ports:    ServicePorts{Kv: 11210},
	})
	// descriptor endpoint matches the routing endpoint, nothing changes
	assert.Empty(t, listener.changes)

	node.SetDescriptor(NodeDescriptor{
		Hostname: "node1.example.com",
		Ports:    ServicePorts{Kv: 11210},
	})
	require.Len(t, listener.changes, 1)
	assert.Equal(t, EndpointsAdded, listener.changes[0].Kind)
	assert.Equal(t, []HostEndpoint{{Host: "node1.example.com", Port: 11210}}, listener.changes[0].Added)

	node.SetDescriptor(NodeDescriptor{
		Hostname: "node1.renamed.com",
		Ports:    ServicePorts{Kv: 11210},
	})
	require.Len(t, listener.changes, 2)
	assert.Equal(t, EndpointsReplaced, listener.changes[1].Kind)
	assert.Equal(t, []HostEndpoint{{Host: "node1.example.com", Port: 11210}}, listener.changes[1].Removed)

	node.unsubscribe(listener)
	node.SetDescriptor(NodeDescriptor{
		Hostname: "node1.example.com",
		Ports:    ServicePorts{Kv: 11210},
	})
	assert.Len(t, listener.changes, 2)
}

func TestNodeCloseIsIdempotent(t *testing.T) {
	conn := &fakeConn{cluster: newFakeCluster(), endpoint: testEndpoint(1)}
	node := NewNode(NodeOptions{
		Endpoint: testEndpoint(1),
		Conn:     conn,
		Features: []memd.HelloFeature{memd.FeatureCollections},
	})

	assert.True(t, node.Supports(memd.FeatureCollections))
	assert.False(t, node.Supports(memd.FeaturePreserveExpiry))

	require.NoError(t, node.Close())
	require.NoError(t, node.Close())
	assert.Equal(t, 1, conn.closes())
	assert.True(t, node.IsClosed())

	_, err := node.GetClusterConfig(context.Background())
	assert.ErrorIs(t, err, ErrNodeClosed)
}

func TestDiffEndpoints(t *testing.T) {
	a := HostEndpoint{Host: "a", Port: 1}
	b := HostEndpoint{Host: "b", Port: 1}

	change := diffEndpoints([]HostEndpoint{a, b}, []HostEndpoint{b, a})
	assert.Equal(t, EndpointsMoved, change.Kind)

	change = diffEndpoints([]HostEndpoint{a, b}, []HostEndpoint{a})
	assert.Equal(t, EndpointsRemoved, change.Kind)
	assert.Equal(t, []HostEndpoint{b}, change.Removed)
}
