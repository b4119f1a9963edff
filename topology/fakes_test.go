package topology

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/gocbtopology/common/cbconfig"
	"github.com/couchbase/gocbtopology/pkg/metrics"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap/zaptest"
)

var errFakeUnreachable = errors.New("connection refused")

type fakeStatusError struct {
	status memd.StatusCode
}

func (e *fakeStatusError) Error() string {
	return fmt.Sprintf("server responded with status %s", e.status.String())
}

func (e *fakeStatusError) Status() memd.StatusCode {
	return e.status
}

type fakeBucket struct {
	locator      string
	rev          int
	hosts        []HostEndpoint
	capabilities []string
	manifest     *cbconfig.CollectionManifestJson
}

// fakeCluster emulates just enough of a cluster's data service to drive a
// Topology: connection, hello, select bucket and config/manifest fetches.
type fakeCluster struct {
	lock            sync.Mutex
	globalSupported bool
	globalRev       int
	globalHosts     []HostEndpoint
	buckets         map[string]*fakeBucket
	unreachable     map[HostEndpoint]bool
	authFail        map[HostEndpoint]bool
	selectFail      map[HostEndpoint]bool
	noCollections   bool
	conns           []*fakeConn
	connectCount    int
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		buckets:     make(map[string]*fakeBucket),
		unreachable: make(map[HostEndpoint]bool),
		authFail:    make(map[HostEndpoint]bool),
		selectFail:  make(map[HostEndpoint]bool),
	}
}

func (c *fakeCluster) Connect(ctx context.Context, ep HostEndpoint) (NodeConn, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.unreachable[ep] {
		return nil, errFakeUnreachable
	}
	if c.authFail[ep] {
		return nil, &fakeStatusError{status: memd.StatusAuthError}
	}

	c.connectCount++
	conn := &fakeConn{
		cluster:  c,
		endpoint: ep,
	}
	c.conns = append(c.conns, conn)
	return conn, nil
}

func (c *fakeCluster) setBucket(name string, bucket *fakeBucket) {
	c.lock.Lock()
	c.buckets[name] = bucket
	c.lock.Unlock()
}

func (c *fakeCluster) updateBucket(name string, fn func(b *fakeBucket)) {
	c.lock.Lock()
	fn(c.buckets[name])
	c.lock.Unlock()
}

func (c *fakeCluster) connsTo(ep HostEndpoint) []*fakeConn {
	c.lock.Lock()
	defer c.lock.Unlock()

	var out []*fakeConn
	for _, conn := range c.conns {
		if conn.endpoint == ep {
			out = append(out, conn)
		}
	}
	return out
}

func (c *fakeCluster) allConns() []*fakeConn {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]*fakeConn(nil), c.conns...)
}

// breakConns makes every connection opened so far fail as if the server
// had dropped it.
func (c *fakeCluster) breakConns() {
	for _, conn := range c.allConns() {
		conn.lock.Lock()
		conn.broken = true
		conn.lock.Unlock()
	}
}

func (c *fakeCluster) connectCalls() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.connectCount
}

type fakeConn struct {
	cluster  *fakeCluster
	endpoint HostEndpoint

	lock       sync.Mutex
	selected   string
	broken     bool
	closeCount int
}

var _ NodeConn = (*fakeConn)(nil)

func (c *fakeConn) Hello(ctx context.Context, features []memd.HelloFeature) ([]memd.HelloFeature, error) {
	c.cluster.lock.Lock()
	noCollections := c.cluster.noCollections
	c.cluster.lock.Unlock()

	var enabled []memd.HelloFeature
	for _, feature := range features {
		if noCollections && feature == memd.FeatureCollections {
			continue
		}
		enabled = append(enabled, feature)
	}
	return enabled, nil
}

func (c *fakeConn) SelectBucket(ctx context.Context, bucketName string) error {
	c.cluster.lock.Lock()
	_, exists := c.cluster.buckets[bucketName]
	selectFail := c.cluster.selectFail[c.endpoint]
	c.cluster.lock.Unlock()

	if selectFail {
		return &fakeStatusError{status: memd.StatusTmpFail}
	}
	if !exists {
		return &fakeStatusError{status: memd.StatusAccessError}
	}

	c.lock.Lock()
	c.selected = bucketName
	c.lock.Unlock()
	return nil
}

func (c *fakeConn) GetClusterConfig(ctx context.Context) ([]byte, error) {
	c.lock.Lock()
	selected := c.selected
	broken := c.broken
	c.lock.Unlock()

	if broken {
		return nil, ErrConnectionClosed
	}

	c.cluster.lock.Lock()
	defer c.cluster.lock.Unlock()

	if selected == "" {
		if !c.cluster.globalSupported {
			return nil, &fakeStatusError{status: memd.StatusNoBucket}
		}
		return makeConfigJson("", "", c.cluster.globalRev, c.cluster.globalHosts, nil, ""), nil
	}

	bucket := c.cluster.buckets[selected]
	manifestUID := ""
	if bucket.manifest != nil {
		manifestUID = bucket.manifest.UID
	}
	return makeConfigJson(selected, bucket.locator, bucket.rev, bucket.hosts, bucket.capabilities, manifestUID), nil
}

func (c *fakeConn) GetCollectionManifest(ctx context.Context) ([]byte, error) {
	c.lock.Lock()
	selected := c.selected
	c.lock.Unlock()

	c.cluster.lock.Lock()
	defer c.cluster.lock.Unlock()

	bucket := c.cluster.buckets[selected]
	if bucket == nil || bucket.manifest == nil {
		return nil, &fakeStatusError{status: memd.StatusUnknownCommand}
	}

	return json.Marshal(bucket.manifest)
}

func (c *fakeConn) Close() error {
	c.lock.Lock()
	c.closeCount++
	c.lock.Unlock()
	return nil
}

func (c *fakeConn) closes() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closeCount
}

func makeConfigJson(
	name, locator string,
	rev int,
	hosts []HostEndpoint,
	capabilities []string,
	manifestUID string,
) []byte {
	config := cbconfig.TerseConfigJson{
		Rev:                    rev,
		Name:                   name,
		NodeLocator:            locator,
		BucketCapabilities:     capabilities,
		CollectionsManifestUid: manifestUID,
	}

	for _, host := range hosts {
		services := map[string]int{
			"kv":   host.Port,
			"mgmt": 8091,
			"n1ql": 8093,
		}
		if slicesContains(capabilities, "couchapi") {
			services["capi"] = 8092
		}

		config.NodesExt = append(config.NodesExt, cbconfig.TerseExtNodeJson{
			Hostname: host.Host,
			Services: services,
		})

		if name != "" {
			config.Nodes = append(config.Nodes, cbconfig.TerseNodeJson{
				Hostname: host.Host + ":8091",
				Ports:    map[string]int{"direct": host.Port},
			})
		}
	}

	data, err := json.Marshal(config)
	if err != nil {
		panic(err)
	}
	return data
}

func slicesContains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

func testEndpoint(idx int) HostEndpoint {
	return HostEndpoint{
		Host: "10.0.0." + strconv.Itoa(idx),
		Port: 11210,
	}
}

func newTestTopology(t *testing.T, cluster *fakeCluster, seeds ...HostEndpoint) *Topology {
	topo, err := NewTopology(TopologyOptions{
		Logger:    zaptest.NewLogger(t),
		Metrics:   metrics.NewTopologyMetrics(noop.NewMeterProvider().Meter("test")),
		Seeds:     seeds,
		Connector: cluster,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = topo.Close()
	})

	return topo
}
