package topology

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/gocbtopology/pkg/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type TopologyOptions struct {
	Logger          *zap.Logger
	Metrics         *metrics.TopologyMetrics
	Seeds           []HostEndpoint
	Connector       Connector
	AddressResolver AddressResolver
	UseTLS          bool
	NetworkType     NetworkType
	HelloFeatures   []memd.HelloFeature
	BucketTypes     []BucketType
}

// Topology tracks the nodes of a cluster and the buckets open against it,
// keeping both in line with the configurations the cluster publishes.
type Topology struct {
	logger        *zap.Logger
	metrics       *metrics.TopologyMetrics
	seeds         []HostEndpoint
	connector     Connector
	resolver      AddressResolver
	useTLS        bool
	networkType   NetworkType
	helloFeatures []memd.HelloFeature
	bucketTypes   []BucketType

	ctx    context.Context
	cancel context.CancelFunc

	nodes          *NodeRegistry
	publisher      *configPublisher
	bootstrapGroup singleflight.Group

	bucketsLock sync.Mutex
	buckets     map[string]Bucket

	configLock   sync.Mutex
	globalConfig *BucketConfig
	isGlobal     bool

	pollersWg sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
}

func NewTopology(opts TopologyOptions) (*Topology, error) {
	if opts.Connector == nil {
		return nil, errors.New("a connector must be specified")
	}
	if len(opts.Seeds) == 0 {
		return nil, errors.New("at least one seed must be specified")
	}

	t := &Topology{
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		seeds:         opts.Seeds,
		connector:     opts.Connector,
		resolver:      opts.AddressResolver,
		useTLS:        opts.UseTLS,
		networkType:   opts.NetworkType,
		helloFeatures: opts.HelloFeatures,
		bucketTypes:   opts.BucketTypes,
	}

	err := t.init()
	if err != nil {
		return nil, err
	}

	return t, nil
}

func (t *Topology) init() error {
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	if t.metrics == nil {
		t.metrics = metrics.GetTopologyMetrics()
	}
	if t.resolver == nil {
		t.resolver = DefaultAddressResolver{}
	}
	if t.networkType == "" {
		t.networkType = NetworkTypeAuto
	}
	if t.helloFeatures == nil {
		t.helloFeatures = DefaultHelloFeatures
	}
	if len(t.bucketTypes) == 0 {
		t.bucketTypes = DefaultBucketTypes
	}

	for _, bucketType := range t.bucketTypes {
		if _, ok := bucketFactories[bucketType]; !ok {
			return fmt.Errorf("unsupported bucket type %s", bucketType)
		}
	}

	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.nodes = NewNodeRegistry()
	t.publisher = newConfigPublisher(t.logger.Named("publisher"))
	t.buckets = make(map[string]Bucket)

	t.publisher.Subscribe(globalSubscriber{t})

	return nil
}

// globalSubscriber receives configs published without a bucket name.
type globalSubscriber struct {
	t *Topology
}

func (s globalSubscriber) Name() string {
	return ""
}

func (s globalSubscriber) configUpdated(config *BucketConfig) {
	s.t.setGlobalConfig(config)
}

func (t *Topology) Nodes() *NodeRegistry {
	return t.nodes
}

func (t *Topology) GlobalConfig() *BucketConfig {
	t.configLock.Lock()
	config := t.globalConfig
	t.configLock.Unlock()
	return config
}

// IsGlobal reports whether the cluster supports cluster-level configs.
func (t *Topology) IsGlobal() bool {
	t.configLock.Lock()
	isGlobal := t.isGlobal
	t.configLock.Unlock()
	return isGlobal
}

func (t *Topology) setGlobalConfig(config *BucketConfig) bool {
	t.configLock.Lock()
	defer t.configLock.Unlock()

	if t.globalConfig != nil && config.Revision().Compare(t.globalConfig.Revision()) <= 0 {
		return false
	}

	config.IsGlobal = true
	t.globalConfig = config
	t.isGlobal = true
	return true
}

func (t *Topology) connectNode(ctx context.Context, bootstrapEp, ep HostEndpoint) (*Node, error) {
	conn, err := t.connector.Connect(ctx, ep)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", ep, err)
	}

	features, err := conn.Hello(ctx, t.helloFeatures)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to negotiate features with %s: %w", ep, err)
	}

	return t.newNode(bootstrapEp, ep, conn, features), nil
}

func (t *Topology) newNode(bootstrapEp, ep HostEndpoint, conn NodeConn, features []memd.HelloFeature) *Node {
	return NewNode(NodeOptions{
		Logger:            t.logger.Named("node"),
		Metrics:           t.metrics,
		BootstrapEndpoint: bootstrapEp,
		Endpoint:          ep,
		Conn:              conn,
		Features:          features,
		UseTLS:            t.useTLS,
		NetworkType:       t.networkType,
	})
}

// connectDescriptorNode creates a node for a config entry.  Only nodes with
// the data service get a connection.
func (t *Topology) connectDescriptorNode(ctx context.Context, desc NodeDescriptor, ep HostEndpoint) (*Node, error) {
	bootstrapEp := HostEndpoint{
		Host: desc.Hostname,
		Port: ep.Port,
	}

	var node *Node
	if desc.HasKv() {
		connectedNode, err := t.connectNode(ctx, bootstrapEp, ep)
		if err != nil {
			return nil, err
		}
		node = connectedNode
	} else {
		node = t.newNode(bootstrapEp, ep, nil, nil)
	}

	node.SetDescriptor(desc)
	return node, nil
}

func (t *Topology) addNode(node *Node) {
	_, err := t.nodes.Add(node)
	if err != nil {
		t.logger.Warn("failed to register node", zap.Error(err))
	}
}

// BootstrapGlobal tries each seed in order until one yields the cluster-level
// config, then connects to every node it lists.  Servers which only hand
// out configs once a bucket is selected leave a single unassigned node
// behind for a later bucket bootstrap to use.
func (t *Topology) BootstrapGlobal(ctx context.Context) error {
	if t.closed.Load() {
		return ErrTopologyClosed
	}

	var errs []error
	var authErr error
	for _, seed := range t.seeds {
		err := t.bootstrapGlobalFrom(ctx, seed)
		if err == nil {
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		t.metrics.BootstrapFailures.Add(ctx, 1)
		t.logger.Warn("failed to bootstrap from seed",
			zap.Stringer("seed", seed),
			zap.Error(err))

		if authErr == nil && isAuthError(err) {
			authErr = err
		}
		errs = append(errs, err)
	}

	if authErr != nil {
		return authErr
	}

	return fmt.Errorf("%w: %w", ErrBootstrapFailed, multierr.Combine(errs...))
}

func (t *Topology) bootstrapGlobalFrom(ctx context.Context, seed HostEndpoint) error {
	node, err := t.connectNode(ctx, seed, seed)
	if err != nil {
		return err
	}

	config, err := node.GetClusterConfig(ctx)
	if err != nil {
		if isStatusError(err, memd.StatusNoBucket) {
			t.logger.Info("cluster does not support global configs, deferring to bucket bootstrap",
				zap.Stringer("seed", seed))
			t.addNode(node)
			return nil
		}

		_ = node.Close()
		return err
	}

	t.setGlobalConfig(config)

	bootstrapNodeUsed := false
	for _, desc := range config.Nodes {
		ep, err := t.resolver.ResolveEndpoint(ctx, desc, t.useTLS)
		if err != nil {
			t.logger.Warn("failed to resolve node endpoint",
				zap.String("hostname", desc.Hostname),
				zap.Error(err))
			continue
		}

		if !bootstrapNodeUsed && (ep == seed || desc.ThisNode) {
			node.SetDescriptor(desc)
			t.addNode(node)
			bootstrapNodeUsed = true
			continue
		}

		if existing, ok := t.nodes.TryGet(ep); ok && !existing.IsClosed() {
			existing.SetDescriptor(desc)
			continue
		}

		newNode, err := t.connectDescriptorNode(ctx, desc, ep)
		if err != nil {
			t.logger.Warn("failed to connect to cluster node",
				zap.Stringer("endpoint", ep),
				zap.Error(err))
			continue
		}

		t.addNode(newNode)
	}

	if !bootstrapNodeUsed {
		_ = node.Close()
	}

	t.logger.Info("bootstrapped global config",
		zap.Stringer("seed", seed),
		zap.Stringer("revision", config.Revision()),
		zap.Int("nodes", len(config.Nodes)))

	return nil
}

func (t *Topology) getBucket(name string) Bucket {
	t.bucketsLock.Lock()
	bucket := t.buckets[name]
	t.bucketsLock.Unlock()
	return bucket
}

// Buckets returns the currently registered buckets.
func (t *Topology) Buckets() []Bucket {
	t.bucketsLock.Lock()
	buckets := make([]Bucket, 0, len(t.buckets))
	for _, bucket := range t.buckets {
		buckets = append(buckets, bucket)
	}
	t.bucketsLock.Unlock()
	return buckets
}

// GetOrCreateBucket returns the open bucket with the given name, opening it
// if needed.  Concurrent calls for the same name share a single bootstrap.
func (t *Topology) GetOrCreateBucket(ctx context.Context, name string) (Bucket, error) {
	if t.closed.Load() {
		return nil, ErrTopologyClosed
	}

	if bucket := t.getBucket(name); bucket != nil {
		return bucket, nil
	}

	resCh := t.bootstrapGroup.DoChan(name, func() (interface{}, error) {
		return t.createBucket(t.ctx, name)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resCh:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Bucket), nil
	}
}

func (t *Topology) createBucket(ctx context.Context, name string) (Bucket, error) {
	if bucket := t.getBucket(name); bucket != nil {
		return bucket, nil
	}

	var lastErr error
	for _, seed := range t.seeds {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		if t.getUnassignedNode(seed) == nil {
			node, err := t.connectNode(ctx, seed, seed)
			if err != nil {
				t.logger.Debug("failed to connect to seed for bucket bootstrap",
					zap.String("bucket", name),
					zap.Stringer("seed", seed),
					zap.Error(err))
				lastErr = err
				continue
			}
			t.addNode(node)
		}

		for _, bucketType := range t.bucketTypes {
			bucket, err := t.CreateAndBootstrapBucket(ctx, name, seed, bucketType)
			if err == nil {
				return bucket, nil
			}
			lastErr = err
		}

		// the bucket was attempted against a reachable seed, so other seeds
		// would give the same answer.
		break
	}

	if lastErr == nil {
		return nil, fmt.Errorf("%w: %s", ErrBucketNotFound, name)
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrBucketNotFound, name, lastErr)
}

func isUnassignedKvNode(node *Node) bool {
	return node.Owner() == nil && !node.IsClosed() && node.HasKv()
}

// getUnassignedNode finds a live data service node at ep that no bucket has
// claimed yet.  The address may be keyed to an owned node, in which case an
// unassigned node sharing the address is looked for.
func (t *Topology) getUnassignedNode(ep HostEndpoint) *Node {
	if node, ok := t.nodes.TryGet(ep); ok && isUnassignedKvNode(node) {
		return node
	}

	for _, node := range t.nodes.Nodes() {
		if isUnassignedKvNode(node) && containsEndpoint(node.KeyEndpoints(), ep) {
			return node
		}
	}
	return nil
}

// CreateAndBootstrapBucket opens a bucket of a specific type through the
// node at ep.  On failure everything the attempt created is torn down.
func (t *Topology) CreateAndBootstrapBucket(
	ctx context.Context,
	name string,
	ep HostEndpoint,
	bucketType BucketType,
) (Bucket, error) {
	factory, ok := bucketFactories[bucketType]
	if !ok {
		return nil, fmt.Errorf("unsupported bucket type %s", bucketType)
	}

	node := t.getUnassignedNode(ep)
	if node == nil {
		connectedNode, err := t.connectNode(ctx, ep, ep)
		if err != nil {
			return nil, err
		}
		t.addNode(connectedNode)
		node = connectedNode
	}

	bucket := factory(t, name)

	err := bucket.bootstrap(ctx, node)
	if err != nil {
		t.logger.Debug("failed to bootstrap bucket",
			zap.String("bucket", name),
			zap.Stringer("type", bucketType),
			zap.Stringer("endpoint", ep),
			zap.Error(err))

		_ = bucket.Close()
		return nil, err
	}

	if !t.RegisterBucket(bucket) {
		// lost a race with another registration of this name
		_ = bucket.Close()
		if existing := t.getBucket(name); existing != nil {
			return existing, nil
		}
		return nil, ErrTopologyClosed
	}

	t.logger.Info("opened bucket",
		zap.String("bucket", name),
		zap.Stringer("type", bucket.Type()))

	return bucket, nil
}

// ProcessConfig reconciles the node set of a bucket with a config.  Errors
// attaching individual nodes are collected and returned once every node
// has been processed and the stale nodes pruned.
func (t *Topology) ProcessConfig(ctx context.Context, bucket Bucket, config *BucketConfig) error {
	if t.closed.Load() {
		return ErrTopologyClosed
	}

	bucketNodes := bucket.base().nodes
	bucketName := bucket.Name()

	var errs []error
	for _, desc := range config.Nodes {
		ep, err := t.resolver.ResolveEndpoint(ctx, desc, t.useTLS)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to resolve %s: %w", desc.Hostname, err))
			continue
		}

		if node, ok := bucketNodes.TryGet(ep); ok && !node.IsClosed() {
			node.SetDescriptor(desc)
			continue
		}

		if node, ok := t.nodes.TryGet(ep); ok && !node.IsClosed() && node.Owner() == nil {
			if desc.HasKv() {
				err := node.SelectBucket(ctx, bucketName)
				if err != nil {
					errs = append(errs, err)
					continue
				}
			}

			node.setOwner(bucket)
			node.SetDescriptor(desc)
			_, _ = bucketNodes.Add(node)
			continue
		}

		node, err := t.connectDescriptorNode(ctx, desc, ep)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if desc.HasKv() {
			err := node.SelectBucket(ctx, bucketName)
			if err != nil {
				// leave it unassigned, the next config will try again
				t.addNode(node)
				errs = append(errs, err)
				continue
			}
		}

		node.setOwner(bucket)
		t.addNode(node)
		_, _ = bucketNodes.Add(node)
	}

	t.PruneNodes(ctx, bucket, config)

	t.metrics.ConfigsApplied.Add(ctx, 1,
		metric.WithAttributes(attribute.String("bucket", bucketName)))

	t.logger.Debug("processed config",
		zap.String("bucket", bucketName),
		zap.Stringer("revision", config.Revision()),
		zap.Int("nodes", len(config.Nodes)))

	return multierr.Combine(errs...)
}

// PruneNodes closes every node owned by the bucket, or unassigned, which no
// longer appears in the config.
func (t *Topology) PruneNodes(ctx context.Context, bucket Bucket, config *BucketConfig) {
	wanted := make(map[HostEndpoint]struct{}, len(config.Nodes))
	for _, desc := range config.Nodes {
		ep, err := t.resolver.ResolveEndpoint(ctx, desc, t.useTLS)
		if err != nil {
			continue
		}
		wanted[ep] = struct{}{}
		wanted[desc.KeyEndpoint(t.useTLS)] = struct{}{}
	}

	bucketNodes := bucket.base().nodes
	for _, node := range t.nodes.Nodes() {
		owner := node.Owner()
		if owner != nil && owner != bucket {
			continue
		}

		stillWanted := false
		for _, ep := range node.KeyEndpoints() {
			if _, ok := wanted[ep]; ok {
				stillWanted = true
				break
			}
		}
		if stillWanted {
			continue
		}

		t.nodes.RemoveNode(node)
		bucketNodes.RemoveNode(node)
		_ = node.Close()

		t.metrics.NodesPruned.Add(ctx, 1)
		t.logger.Info("pruned node no longer in config",
			zap.String("bucket", bucket.Name()),
			zap.Stringer("endpoint", node.Endpoint()))
	}

	// nodes can also be in the bucket subset only, if another registry
	// entry shadowed them
	for _, node := range bucketNodes.Nodes() {
		if node.IsClosed() {
			bucketNodes.RemoveNode(node)
		}
	}
}

// RebootstrapBucket closes every node of the bucket and re-runs the bucket
// bootstrap against the seeds, used when the bucket has lost its data
// service connections.
func (t *Topology) RebootstrapBucket(ctx context.Context, name string) error {
	bucket := t.getBucket(name)
	if bucket == nil {
		return fmt.Errorf("%w: %s", ErrBucketNotFound, name)
	}

	t.removeAllNodes(bucket)
	bucket.base().resetConfig()

	var errs []error
	for _, seed := range t.seeds {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		node := t.getUnassignedNode(seed)
		if node == nil {
			connectedNode, err := t.connectNode(ctx, seed, seed)
			if err != nil {
				t.logger.Warn("failed to connect to seed during rebootstrap",
					zap.String("bucket", name),
					zap.Stringer("seed", seed),
					zap.Error(err))
				errs = append(errs, err)
				continue
			}
			t.addNode(connectedNode)
			node = connectedNode
		}

		err := bucket.bootstrap(ctx, node)
		if err != nil {
			t.logger.Warn("failed to rebootstrap bucket from seed",
				zap.String("bucket", name),
				zap.Stringer("seed", seed),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}

		t.logger.Info("rebootstrapped bucket",
			zap.String("bucket", name),
			zap.Stringer("seed", seed))
		return nil
	}

	return fmt.Errorf("failed to rebootstrap bucket %s: %w", name, multierr.Combine(errs...))
}

// RegisterBucket makes a bucket visible to lookups and config publication.
// It returns false if a different bucket is already registered under the
// same name or the topology is closed.
func (t *Topology) RegisterBucket(bucket Bucket) bool {
	if t.closed.Load() {
		return false
	}

	t.bucketsLock.Lock()
	existing, ok := t.buckets[bucket.Name()]
	if ok {
		t.bucketsLock.Unlock()
		return existing == bucket
	}
	t.buckets[bucket.Name()] = bucket
	t.bucketsLock.Unlock()

	t.publisher.Subscribe(bucket)
	t.metrics.BucketsOpen.Add(t.ctx, 1)
	return true
}

// UnregisterBucket removes a bucket from the topology and closes it.
func (t *Topology) UnregisterBucket(bucket Bucket) error {
	t.unregisterBucket(bucket)
	return bucket.Close()
}

func (t *Topology) unregisterBucket(bucket Bucket) {
	t.bucketsLock.Lock()
	existing, ok := t.buckets[bucket.Name()]
	if !ok || existing != bucket {
		t.bucketsLock.Unlock()
		return
	}
	delete(t.buckets, bucket.Name())
	t.bucketsLock.Unlock()

	t.publisher.Unsubscribe(bucket)
	t.metrics.BucketsOpen.Add(context.Background(), -1)
}

// removeBucket is invoked once when a bucket closes.
func (t *Topology) removeBucket(bucket Bucket) {
	t.unregisterBucket(bucket)
	t.removeAllNodes(bucket)
}

func (t *Topology) removeAllNodes(bucket Bucket) {
	removed := t.nodes.Clear(bucket)
	for _, node := range bucket.base().nodes.ClearAll() {
		if node.Owner() == bucket && !containsNode(removed, node) {
			removed = append(removed, node)
		}
	}

	for _, node := range removed {
		_ = node.Close()
	}
}

func containsNode(nodes []*Node, node *Node) bool {
	for _, n := range nodes {
		if n == node {
			return true
		}
	}
	return false
}

// PublishConfig hands a config to the bucket it belongs to, or to the
// topology itself for cluster-level configs.  Processing is asynchronous.
func (t *Topology) PublishConfig(config *BucketConfig) {
	if t.closed.Load() || config == nil {
		return
	}
	t.publisher.Publish(config)
}

// GetNodes returns every node when bucketName is empty, otherwise the nodes
// owned by that bucket.
func (t *Topology) GetNodes(bucketName string) []*Node {
	if bucketName == "" {
		return t.nodes.Nodes()
	}

	bucket := t.getBucket(bucketName)
	if bucket == nil {
		return nil
	}
	return bucket.Nodes()
}

// GetRandomNodeForService picks a node offering a service.  The data and
// view services are bucket scoped, all other services are cluster wide.
func (t *Topology) GetRandomNodeForService(svc ServiceType, bucketName string) (*Node, error) {
	switch svc {
	case ServiceTypeKeyValue, ServiceTypeViews:
		var candidates []*Node
		for _, node := range t.GetNodes(bucketName) {
			if node.HasService(svc) && !node.IsClosed() {
				candidates = append(candidates, node)
			}
		}
		if len(candidates) == 0 || bucketName == "" {
			return nil, &ServiceMissingError{
				Service: svc,
				Bucket:  bucketName,
			}
		}
		return candidates[rand.IntN(len(candidates))], nil
	}

	var candidates []*Node
	for _, node := range t.nodes.Nodes() {
		if node.HasService(svc) && !node.IsClosed() {
			candidates = append(candidates, node)
		}
	}
	if len(candidates) == 0 {
		return nil, &ServiceNotAvailableError{
			Service: svc,
		}
	}
	return candidates[rand.IntN(len(candidates))], nil
}

// SupportsPreserveExpiry reports whether the data service of the bucket
// negotiated support for preserving document expiry on mutation.
func (t *Topology) SupportsPreserveExpiry(bucketName string) bool {
	node, err := t.GetRandomNodeForService(ServiceTypeKeyValue, bucketName)
	if err != nil {
		return false
	}
	return node.Supports(memd.FeaturePreserveExpiry)
}

// Close shuts down the topology, closing every bucket and node.  It is safe
// to call multiple times.
func (t *Topology) Close() error {
	var errs []error

	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.cancel()

		t.publisher.Close()
		t.pollersWg.Wait()

		t.bucketsLock.Lock()
		buckets := make([]Bucket, 0, len(t.buckets))
		for _, bucket := range t.buckets {
			buckets = append(buckets, bucket)
		}
		t.bucketsLock.Unlock()

		for _, bucket := range buckets {
			errs = append(errs, bucket.Close())
		}

		for _, node := range t.nodes.ClearAll() {
			errs = append(errs, node.Close())
		}

		t.logger.Info("topology closed")
	})

	return multierr.Combine(errs...)
}
