package topology

import (
	"context"
	"fmt"
	"sync"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/gocbtopology/common/cbconfig"
	"go.uber.org/zap"
)

type BucketType int

const (
	BucketTypeCouchbase BucketType = iota
	BucketTypeEphemeral
	BucketTypeMemcached
)

func (t BucketType) String() string {
	switch t {
	case BucketTypeCouchbase:
		return "couchbase"
	case BucketTypeEphemeral:
		return "ephemeral"
	case BucketTypeMemcached:
		return "memcached"
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// Bucket is an open bucket.  The set of implementations is closed: a
// bucket is either a couchbase (or ephemeral) bucket, or a memcached bucket.
type Bucket interface {
	Name() string
	Type() BucketType
	Nodes() []*Node
	Config() *BucketConfig
	ManifestUID() uint64
	Scope(name string) (*Scope, error)
	DefaultScope() (*Scope, error)
	DefaultCollection() (*Collection, error)
	LoadManifest(ctx context.Context) error
	Close() error

	base() *bucketBase
	bootstrap(ctx context.Context, node *Node) error
	configUpdated(config *BucketConfig)
}

type bucketFactory func(t *Topology, name string) Bucket

var bucketFactories = map[BucketType]bucketFactory{
	BucketTypeCouchbase: newCouchbaseBucket,
	BucketTypeEphemeral: newCouchbaseBucket,
	BucketTypeMemcached: newMemcachedBucket,
}

// DefaultBucketTypes is the order in which bucket types are attempted when
// opening a bucket whose type is not known.
var DefaultBucketTypes = []BucketType{
	BucketTypeCouchbase,
	BucketTypeMemcached,
}

type bucketBase struct {
	logger   *zap.Logger
	name     string
	topology *Topology
	nodes    *NodeRegistry
	self     Bucket

	lock        sync.Mutex
	bucketType  BucketType
	config      *BucketConfig
	scopes      map[string]*Scope
	manifestUID uint64

	closeOnce sync.Once
}

func (b *bucketBase) init(t *Topology, name string, bucketType BucketType, self Bucket) {
	b.logger = t.logger.Named("bucket").With(zap.String("bucket", name))
	b.name = name
	b.topology = t
	b.nodes = NewNodeRegistry()
	b.self = self
	b.bucketType = bucketType
	b.scopes = defaultScopes()
}

func (b *bucketBase) base() *bucketBase {
	return b
}

func (b *bucketBase) Name() string {
	return b.name
}

func (b *bucketBase) Type() BucketType {
	b.lock.Lock()
	bucketType := b.bucketType
	b.lock.Unlock()
	return bucketType
}

func (b *bucketBase) Nodes() []*Node {
	return b.nodes.Nodes()
}

func (b *bucketBase) Config() *BucketConfig {
	b.lock.Lock()
	config := b.config
	b.lock.Unlock()
	return config
}

func (b *bucketBase) ManifestUID() uint64 {
	b.lock.Lock()
	uid := b.manifestUID
	b.lock.Unlock()
	return uid
}

func (b *bucketBase) Scope(name string) (*Scope, error) {
	b.lock.Lock()
	scope, ok := b.scopes[name]
	b.lock.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScopeNotFound, name)
	}
	return scope, nil
}

func (b *bucketBase) DefaultScope() (*Scope, error) {
	return b.Scope(DefaultScopeName)
}

func (b *bucketBase) DefaultCollection() (*Collection, error) {
	scope, err := b.DefaultScope()
	if err != nil {
		return nil, err
	}
	return scope.DefaultCollection()
}

func (b *bucketBase) setScopes(scopes map[string]*Scope, manifestUID uint64) {
	b.lock.Lock()
	b.scopes = scopes
	b.manifestUID = manifestUID
	b.lock.Unlock()
}

// Close removes the bucket from its topology and closes the nodes it owns.
// It is safe to call multiple times.
func (b *bucketBase) Close() error {
	b.closeOnce.Do(func() {
		b.topology.removeBucket(b.self)
		b.logger.Debug("closed bucket")
	})
	return nil
}

func (b *bucketBase) resetConfig() {
	b.lock.Lock()
	b.config = nil
	b.lock.Unlock()
}

// selectAndFetch selects this bucket on a node, takes ownership of it and
// fetches the bucket configuration from it.
func (b *bucketBase) selectAndFetch(ctx context.Context, node *Node, nodeLocator string) (*BucketConfig, error) {
	err := node.SelectBucket(ctx, b.name)
	if err != nil {
		return nil, err
	}

	node.setOwner(b.self)
	_, err = b.nodes.Add(node)
	if err != nil {
		return nil, err
	}

	config, err := node.GetClusterConfig(ctx)
	if err != nil {
		return nil, err
	}

	if config.NodeLocator != nodeLocator {
		return nil, fmt.Errorf("%w: bucket %s uses the %q locator", ErrBucketTypeMismatch, b.name, config.NodeLocator)
	}

	for _, desc := range config.Nodes {
		if desc.ThisNode {
			node.SetDescriptor(desc)
			break
		}
	}

	return config, nil
}

// applyConfig stores a config and hands it to the topology to reconcile the
// node set.  Configs older than the current one are always ignored, a config
// with the same revision is only processed when forced.
func (b *bucketBase) applyConfig(ctx context.Context, config *BucketConfig, force bool) (bool, error) {
	b.lock.Lock()
	if b.config != nil {
		cmp := config.Revision().Compare(b.config.Revision())
		if cmp < 0 || (cmp == 0 && !force) {
			b.lock.Unlock()
			b.logger.Debug("ignoring stale config",
				zap.Stringer("revision", config.Revision()),
				zap.Stringer("current", b.config.Revision()))
			return false, nil
		}
	}
	b.config = config
	b.lock.Unlock()

	return true, b.topology.ProcessConfig(ctx, b.self, config)
}

func (b *bucketBase) manifestOutdated(config *BucketConfig) bool {
	if config.CollectionsManifestUID == "" {
		return false
	}

	uid, err := cbconfig.ParseManifestUID(config.CollectionsManifestUID)
	if err != nil {
		b.logger.Debug("ignoring unparseable manifest uid", zap.Error(err))
		return false
	}

	return uid != b.ManifestUID()
}

// kvNode returns any live node of this bucket which has the data service.
func (b *bucketBase) kvNode() (*Node, error) {
	for _, node := range b.nodes.Nodes() {
		if node.HasKv() && !node.IsClosed() {
			return node, nil
		}
	}
	return nil, &ServiceMissingError{
		Service: ServiceTypeKeyValue,
		Bucket:  b.name,
	}
}

type couchbaseBucket struct {
	bucketBase
}

var _ Bucket = (*couchbaseBucket)(nil)

func newCouchbaseBucket(t *Topology, name string) Bucket {
	b := &couchbaseBucket{}
	b.init(t, name, BucketTypeCouchbase, b)
	return b
}

func (b *couchbaseBucket) bootstrap(ctx context.Context, node *Node) error {
	config, err := b.selectAndFetch(ctx, node, NodeLocatorVbucket)
	if err != nil {
		return err
	}

	// only persistent buckets expose views
	b.lock.Lock()
	if config.HasBucketCapability("couchapi") {
		b.bucketType = BucketTypeCouchbase
	} else {
		b.bucketType = BucketTypeEphemeral
	}
	b.lock.Unlock()

	err = b.loadManifestFrom(ctx, node, config)
	if err != nil {
		return err
	}

	_, err = b.applyConfig(ctx, config, true)
	if err != nil {
		b.logger.Warn("not all nodes could be attached during bootstrap", zap.Error(err))
	}

	return nil
}

func (b *couchbaseBucket) loadManifestFrom(ctx context.Context, node *Node, config *BucketConfig) error {
	if !config.HasBucketCapability("collections") || !node.Supports(memd.FeatureCollections) {
		b.setScopes(defaultScopes(), 0)
		return nil
	}

	manifest, err := node.GetManifest(ctx)
	if err != nil {
		return err
	}

	scopes, err := scopesFromManifest(manifest)
	if err != nil {
		return err
	}

	uid, err := cbconfig.ParseManifestUID(manifest.UID)
	if err != nil {
		return err
	}

	b.setScopes(scopes, uid)
	b.logger.Debug("loaded collection manifest", zap.Uint64("uid", uid), zap.Int("scopes", len(scopes)))
	return nil
}

// LoadManifest reloads the scope and collection hierarchy from the server.
// Servers without collection support yield only the default scope and
// collection.
func (b *couchbaseBucket) LoadManifest(ctx context.Context) error {
	node, err := b.kvNode()
	if err != nil {
		return err
	}

	config := b.Config()
	if config == nil {
		config, err = node.GetClusterConfig(ctx)
		if err != nil {
			return err
		}
	}

	return b.loadManifestFrom(ctx, node, config)
}

func (b *couchbaseBucket) configUpdated(config *BucketConfig) {
	ctx := b.topology.ctx

	reloadManifest := b.manifestOutdated(config)

	applied, err := b.applyConfig(ctx, config, false)
	if err != nil {
		b.logger.Warn("failed to fully apply config",
			zap.Stringer("revision", config.Revision()),
			zap.Error(err))
	}

	if applied && reloadManifest {
		err := b.LoadManifest(ctx)
		if err != nil {
			b.logger.Warn("failed to reload collection manifest", zap.Error(err))
		}
	}
}

type memcachedBucket struct {
	bucketBase
}

var _ Bucket = (*memcachedBucket)(nil)

func newMemcachedBucket(t *Topology, name string) Bucket {
	b := &memcachedBucket{}
	b.init(t, name, BucketTypeMemcached, b)
	return b
}

func (b *memcachedBucket) bootstrap(ctx context.Context, node *Node) error {
	config, err := b.selectAndFetch(ctx, node, NodeLocatorKetama)
	if err != nil {
		return err
	}

	b.setScopes(defaultScopes(), 0)

	_, err = b.applyConfig(ctx, config, true)
	if err != nil {
		b.logger.Warn("not all nodes could be attached during bootstrap", zap.Error(err))
	}

	return nil
}

// LoadManifest is a no-op beyond resetting to the default scope, memcached
// buckets do not support collections.
func (b *memcachedBucket) LoadManifest(ctx context.Context) error {
	b.setScopes(defaultScopes(), 0)
	return nil
}

func (b *memcachedBucket) configUpdated(config *BucketConfig) {
	_, err := b.applyConfig(b.topology.ctx, config, false)
	if err != nil {
		b.logger.Warn("failed to fully apply config",
			zap.Stringer("revision", config.Revision()),
			zap.Error(err))
	}
}
