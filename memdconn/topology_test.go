package memdconn

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/gocbtopology/common/cbconfig"
	"github.com/couchbase/gocbtopology/testutils/fakememd"
	"github.com/couchbase/gocbtopology/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func singleNodeConfig(t *testing.T, srv *fakememd.Server, name, locator string, rev int, capabilities []string) []byte {
	config := cbconfig.TerseConfigJson{
		Rev:                rev,
		Name:               name,
		NodeLocator:        locator,
		BucketCapabilities: capabilities,
		NodesExt: []cbconfig.TerseExtNodeJson{
			{
				Hostname: "$HOST",
				ThisNode: true,
				Services: map[string]int{
					"kv":   srv.Port(),
					"mgmt": 8091,
					"n1ql": 8093,
				},
			},
		},
	}
	if name != "" {
		config.Nodes = []cbconfig.TerseNodeJson{
			{Hostname: "$HOST:8091"},
		}
		config.CollectionsManifestUid = "2"
	}

	data, err := json.Marshal(config)
	require.NoError(t, err)
	return data
}

func TestTopologyOverMemd(t *testing.T) {
	srv := newTestServer(t, fakememd.ServerOptions{
		Username: testUsername,
		Password: testPassword,
	})

	srv.SetGlobalConfig(singleNodeConfig(t, srv, "", "", 10, nil))
	srv.SetBucket("travel-sample",
		singleNodeConfig(t, srv, "travel-sample", topology.NodeLocatorVbucket, 20,
			[]string{"couchapi", "collections"}),
		[]byte(`{"uid":"2","scopes":[
			{"uid":"0","name":"_default","collections":[{"uid":"0","name":"_default"}]},
			{"uid":"8","name":"inventory","collections":[{"uid":"9","name":"airline"}]}
		]}`))

	dialer, err := NewDialer(DialerOptions{
		Logger:   zaptest.NewLogger(t),
		Username: testUsername,
		Password: testPassword,
	})
	require.NoError(t, err)

	topo, err := topology.NewTopology(topology.TopologyOptions{
		Logger:    zaptest.NewLogger(t),
		Seeds:     []topology.HostEndpoint{serverEndpoint(srv)},
		Connector: dialer,
	})
	require.NoError(t, err)
	defer topo.Close()

	ctx := context.Background()

	require.NoError(t, topo.BootstrapGlobal(ctx))
	require.True(t, topo.IsGlobal())
	require.Equal(t, 1, topo.Nodes().Len())

	bucket, err := topo.GetOrCreateBucket(ctx, "travel-sample")
	require.NoError(t, err)
	assert.Equal(t, topology.BucketTypeCouchbase, bucket.Type())
	assert.Equal(t, uint64(2), bucket.ManifestUID())

	scope, err := bucket.Scope("inventory")
	require.NoError(t, err)
	collection, err := scope.Collection("airline")
	require.NoError(t, err)
	assert.Equal(t, uint32(9), collection.ID)

	node, err := topo.GetRandomNodeForService(topology.ServiceTypeQuery, "")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8093/query/service", node.QueryURI().String())

	_, err = topo.GetOrCreateBucket(ctx, "missing")
	require.ErrorIs(t, err, topology.ErrBucketNotFound)

	require.NoError(t, topo.Close())
	assert.Eventually(t, func() bool {
		return srv.NumClients() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestTopologyOverMemdWrongCredentials(t *testing.T) {
	srv := newTestServer(t, fakememd.ServerOptions{
		Username: testUsername,
		Password: testPassword,
	})

	dialer, err := NewDialer(DialerOptions{
		Logger:   zaptest.NewLogger(t),
		Username: testUsername,
		Password: "wrong",
	})
	require.NoError(t, err)

	topo, err := topology.NewTopology(topology.TopologyOptions{
		Logger:    zaptest.NewLogger(t),
		Seeds:     []topology.HostEndpoint{serverEndpoint(srv)},
		Connector: dialer,
	})
	require.NoError(t, err)
	defer topo.Close()

	err = topo.BootstrapGlobal(context.Background())
	requireStatus(t, err, memd.StatusAuthError)
}
