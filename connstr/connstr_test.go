package connstr

import (
	"context"
	"net"
	"testing"

	"github.com/couchbase/gocbtopology/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeResolver struct {
	records map[string][]*net.SRV
	lookups []string
}

func (r *fakeResolver) LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error) {
	r.lookups = append(r.lookups, name)

	addrs, ok := r.records[name]
	if !ok {
		return "", nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	}
	return name, addrs, nil
}

func TestResolveSeedsHostList(t *testing.T) {
	resolver := &fakeResolver{}

	seeds, err := ResolveSeeds(context.Background(), "couchbase://10.0.0.1,10.0.0.2,10.0.0.1?network=external", ResolveOptions{
		Logger:   zaptest.NewLogger(t),
		Resolver: resolver,
	})
	require.NoError(t, err)

	assert.Equal(t, []topology.HostEndpoint{
		{Host: "10.0.0.1", Port: 11210},
		{Host: "10.0.0.2", Port: 11210},
	}, seeds.MemdHosts)
	assert.Equal(t, []topology.HostEndpoint{
		{Host: "10.0.0.1", Port: 8091},
		{Host: "10.0.0.2", Port: 8091},
	}, seeds.HttpHosts)
	assert.False(t, seeds.UseTLS)
	assert.False(t, seeds.FromSRV)
	assert.Equal(t, topology.NetworkTypeExternal, seeds.NetworkType)
	assert.Equal(t, "external", seeds.Option("network"))
	assert.Empty(t, resolver.lookups)
}

func TestResolveSeedsSRV(t *testing.T) {
	resolver := &fakeResolver{
		records: map[string][]*net.SRV{
			"_couchbases._tcp.cluster.example.com": {
				{Target: "node1.example.com.", Port: 11207},
				{Target: "node2.example.com.", Port: 11207},
			},
		},
	}

	seeds, err := ResolveSeeds(context.Background(), "couchbases://cluster.example.com/travel-sample", ResolveOptions{
		Logger:   zaptest.NewLogger(t),
		Resolver: resolver,
	})
	require.NoError(t, err)

	assert.True(t, seeds.FromSRV)
	assert.True(t, seeds.UseTLS)
	assert.Equal(t, "travel-sample", seeds.Bucket)
	assert.Equal(t, topology.NetworkTypeAuto, seeds.NetworkType)
	assert.Equal(t, []topology.HostEndpoint{
		{Host: "node1.example.com", Port: 11207},
		{Host: "node2.example.com", Port: 11207},
	}, seeds.MemdHosts)
	assert.Equal(t, []topology.HostEndpoint{
		{Host: "node1.example.com", Port: 18091},
		{Host: "node2.example.com", Port: 18091},
	}, seeds.HttpHosts)
}

func TestResolveSeedsSRVFallback(t *testing.T) {
	resolver := &fakeResolver{}

	seeds, err := ResolveSeeds(context.Background(), "couchbase://cluster.example.com", ResolveOptions{
		Logger:   zaptest.NewLogger(t),
		Resolver: resolver,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"_couchbase._tcp.cluster.example.com"}, resolver.lookups)
	assert.False(t, seeds.FromSRV)
	assert.Equal(t, []topology.HostEndpoint{
		{Host: "cluster.example.com", Port: 11210},
	}, seeds.MemdHosts)
}

func TestResolveSeedsExplicitPortSkipsSRV(t *testing.T) {
	resolver := &fakeResolver{}

	seeds, err := ResolveSeeds(context.Background(), "couchbase://cluster.example.com:12000", ResolveOptions{
		Resolver: resolver,
	})
	require.NoError(t, err)

	assert.Empty(t, resolver.lookups)
	assert.Equal(t, []topology.HostEndpoint{
		{Host: "cluster.example.com", Port: 12000},
	}, seeds.MemdHosts)
}

func TestResolveSeedsInvalidNetwork(t *testing.T) {
	_, err := ResolveSeeds(context.Background(), "couchbase://10.0.0.1?network=carrier-pigeon", ResolveOptions{})
	require.Error(t, err)
}

func TestParseNetworkType(t *testing.T) {
	networkType, err := parseNetworkType("")
	require.NoError(t, err)
	assert.Equal(t, topology.NetworkTypeAuto, networkType)

	networkType, err = parseNetworkType("default")
	require.NoError(t, err)
	assert.Equal(t, topology.NetworkTypeDefault, networkType)

	_, err = parseNetworkType("internal")
	assert.Error(t, err)
}

func TestDedupeEndpoints(t *testing.T) {
	a := topology.HostEndpoint{Host: "a", Port: 1}
	b := topology.HostEndpoint{Host: "b", Port: 1}

	assert.Equal(t, []topology.HostEndpoint{a, b}, dedupeEndpoints([]topology.HostEndpoint{a, b, a, b}))
	assert.Nil(t, dedupeEndpoints(nil))
}
