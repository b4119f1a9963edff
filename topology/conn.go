package topology

import (
	"context"

	"github.com/couchbase/gocbcore/v10/memd"
)

// NodeConn is a single authenticated connection to the data service of a
// node.  Implementations must be safe for concurrent use.
type NodeConn interface {
	Hello(ctx context.Context, features []memd.HelloFeature) ([]memd.HelloFeature, error)
	SelectBucket(ctx context.Context, bucketName string) error
	GetClusterConfig(ctx context.Context) ([]byte, error)
	GetCollectionManifest(ctx context.Context) ([]byte, error)
	Close() error
}

// Connector establishes new connections to nodes.
type Connector interface {
	Connect(ctx context.Context, endpoint HostEndpoint) (NodeConn, error)
}

// AddressResolver maps a node descriptor to the endpoint used to reach it.
type AddressResolver interface {
	ResolveEndpoint(ctx context.Context, desc NodeDescriptor, useTLS bool) (HostEndpoint, error)
}

type DefaultAddressResolver struct{}

var _ AddressResolver = DefaultAddressResolver{}

func (DefaultAddressResolver) ResolveEndpoint(ctx context.Context, desc NodeDescriptor, useTLS bool) (HostEndpoint, error) {
	return desc.KeyEndpoint(useTLS), nil
}

// DefaultHelloFeatures are the features requested from every node.
var DefaultHelloFeatures = []memd.HelloFeature{
	memd.FeatureDatatype,
	memd.FeatureSeqNo,
	memd.FeatureXattr,
	memd.FeatureXerror,
	memd.FeatureSelectBucket,
	memd.FeatureJSON,
	memd.FeatureDurations,
	memd.FeatureAltRequests,
	memd.FeatureSyncReplication,
	memd.FeatureCollections,
	memd.FeaturePreserveExpiry,
}
