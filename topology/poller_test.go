package topology

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollingPicksUpNewNodes(t *testing.T) {
	cluster := newFakeCluster()
	epA, epB := testEndpoint(1), testEndpoint(2)
	cluster.setBucket("default", couchbaseBucketOn(1, epA))

	topo := newTestTopology(t, cluster, epA)

	bucket, err := topo.GetOrCreateBucket(context.Background(), "default")
	require.NoError(t, err)
	require.Len(t, bucket.Nodes(), 1)

	require.NoError(t, topo.StartPolling("default", PollOptions{
		Interval: 10 * time.Millisecond,
	}))

	cluster.updateBucket("default", func(b *fakeBucket) {
		b.rev = 2
		b.hosts = []HostEndpoint{epA, epB}
	})

	assert.Eventually(t, func() bool {
		return len(bucket.Nodes()) == 2
	}, time.Second, 10*time.Millisecond)

	node, ok := topo.Nodes().TryGet(epB)
	require.True(t, ok)
	assert.Equal(t, bucket, node.Owner())
}

func TestPollingRebootstrapsWithoutNodes(t *testing.T) {
	cluster := newFakeCluster()
	cluster.setBucket("default", couchbaseBucketOn(1, testEndpoint(1)))

	topo := newTestTopology(t, cluster, testEndpoint(1))

	bucket, err := topo.GetOrCreateBucket(context.Background(), "default")
	require.NoError(t, err)

	for _, node := range bucket.Nodes() {
		topo.Nodes().RemoveNode(node)
		bucket.base().nodes.RemoveNode(node)
		_ = node.Close()
	}

	require.NoError(t, topo.StartPolling("default", PollOptions{
		Interval: 10 * time.Millisecond,
	}))

	assert.Eventually(t, func() bool {
		_, err := topo.GetRandomNodeForService(ServiceTypeKeyValue, "default")
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func TestPollingRebootstrapsOnClosedConnection(t *testing.T) {
	cluster := newFakeCluster()
	cluster.setBucket("default", couchbaseBucketOn(1, testEndpoint(1)))

	topo := newTestTopology(t, cluster, testEndpoint(1))

	bucket, err := topo.GetOrCreateBucket(context.Background(), "default")
	require.NoError(t, err)
	require.Len(t, bucket.Nodes(), 1)
	oldNode := bucket.Nodes()[0]

	cluster.breakConns()

	require.NoError(t, topo.StartPolling("default", PollOptions{
		Interval: 10 * time.Millisecond,
	}))

	assert.Eventually(t, func() bool {
		nodes := bucket.Nodes()
		return oldNode.IsClosed() && len(nodes) == 1 && nodes[0] != oldNode
	}, time.Second, 10*time.Millisecond)

	assert.Len(t, cluster.connsTo(testEndpoint(1)), 2)
}

func TestStartPollingAfterClose(t *testing.T) {
	cluster := newFakeCluster()
	topo := newTestTopology(t, cluster, testEndpoint(1))

	require.NoError(t, topo.Close())

	err := topo.StartPolling("default", PollOptions{})
	assert.ErrorIs(t, err, ErrTopologyClosed)
}
