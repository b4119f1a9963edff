package topology

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/gocbtopology/common/cbconfig"
	"github.com/couchbase/gocbtopology/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

type EndpointsChangeKind int

const (
	EndpointsAdded EndpointsChangeKind = iota
	EndpointsRemoved
	EndpointsReplaced
	EndpointsMoved
)

// EndpointsChange describes how the key endpoints of a node changed.
type EndpointsChange struct {
	Kind    EndpointsChangeKind
	Added   []HostEndpoint
	Removed []HostEndpoint
}

type endpointsListener interface {
	nodeEndpointsChanged(node *Node, change EndpointsChange)
}

type NodeOptions struct {
	Logger            *zap.Logger
	Metrics           *metrics.TopologyMetrics
	BootstrapEndpoint HostEndpoint
	Endpoint          HostEndpoint
	Conn              NodeConn
	Features          []memd.HelloFeature
	UseTLS            bool
	NetworkType       NetworkType
}

// Node is a single cluster member along with its data service connection
// (if it offers the data service) and the base URIs of its other services.
type Node struct {
	logger            *zap.Logger
	metrics           *metrics.TopologyMetrics
	bootstrapEndpoint HostEndpoint
	endpoint          HostEndpoint
	conn              NodeConn
	features          []memd.HelloFeature
	useTLS            bool
	networkType       NetworkType

	// notifyLock orders endpoint change delivery so listeners see the
	// diffs in the order they were computed.
	notifyLock sync.Mutex

	lock         sync.Mutex
	descriptor   *NodeDescriptor
	keyEndpoints []HostEndpoint
	owner        Bucket
	serviceURIs  map[ServiceType]*url.URL
	lastActivity map[ServiceType]time.Time
	listeners    []endpointsListener
	closed       bool

	closeOnce sync.Once
	closeErr  error
}

func NewNode(opts NodeOptions) *Node {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	n := &Node{
		logger:            logger,
		metrics:           opts.Metrics,
		bootstrapEndpoint: opts.BootstrapEndpoint,
		endpoint:          opts.Endpoint,
		conn:              opts.Conn,
		features:          opts.Features,
		useTLS:            opts.UseTLS,
		networkType:       opts.NetworkType,
		serviceURIs:       make(map[ServiceType]*url.URL),
		lastActivity:      make(map[ServiceType]time.Time),
	}
	if n.bootstrapEndpoint.IsZero() {
		n.bootstrapEndpoint = n.endpoint
	}
	n.keyEndpoints = n.computeKeyEndpointsLocked()

	if n.conn != nil && n.metrics != nil {
		n.metrics.NodesConnected.Add(context.Background(), 1)
	}

	return n
}

func (n *Node) BootstrapEndpoint() HostEndpoint {
	return n.bootstrapEndpoint
}

func (n *Node) Endpoint() HostEndpoint {
	return n.endpoint
}

// KeyEndpoints returns every address this node is reachable at, primary first.
func (n *Node) KeyEndpoints() []HostEndpoint {
	n.lock.Lock()
	eps := slices.Clone(n.keyEndpoints)
	n.lock.Unlock()
	return eps
}

func (n *Node) Descriptor() (NodeDescriptor, bool) {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.descriptor == nil {
		return NodeDescriptor{}, false
	}
	return *n.descriptor, true
}

func (n *Node) Owner() Bucket {
	n.lock.Lock()
	owner := n.owner
	n.lock.Unlock()
	return owner
}

func (n *Node) setOwner(owner Bucket) {
	n.lock.Lock()
	n.owner = owner
	n.lock.Unlock()
}

func (n *Node) IsClosed() bool {
	n.lock.Lock()
	closed := n.closed
	n.lock.Unlock()
	return closed
}

func (n *Node) Features() []memd.HelloFeature {
	return slices.Clone(n.features)
}

func (n *Node) Supports(feature memd.HelloFeature) bool {
	return slices.Contains(n.features, feature)
}

func (n *Node) hasService(svc ServiceType) bool {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.descriptor == nil {
		// before we have seen a config, the only thing we know is whether we
		// managed to connect to the data service.
		return svc == ServiceTypeKeyValue && n.conn != nil
	}
	return n.descriptor.HasService(svc)
}

func (n *Node) HasKv() bool        { return n.hasService(ServiceTypeKeyValue) }
func (n *Node) HasQuery() bool     { return n.hasService(ServiceTypeQuery) }
func (n *Node) HasSearch() bool    { return n.hasService(ServiceTypeSearch) }
func (n *Node) HasAnalytics() bool { return n.hasService(ServiceTypeAnalytics) }
func (n *Node) HasViews() bool     { return n.hasService(ServiceTypeViews) }
func (n *Node) HasMgmt() bool      { return n.hasService(ServiceTypeManagement) }

func (n *Node) HasService(svc ServiceType) bool {
	return n.hasService(svc)
}

func (n *Node) computeKeyEndpointsLocked() []HostEndpoint {
	eps := []HostEndpoint{n.endpoint}
	if !n.bootstrapEndpoint.IsZero() && !containsEndpoint(eps, n.bootstrapEndpoint) {
		eps = append(eps, n.bootstrapEndpoint)
	}
	if n.descriptor != nil {
		descEp := n.descriptor.KeyEndpoint(n.useTLS)
		if descEp.Port != 0 && !containsEndpoint(eps, descEp) {
			eps = append(eps, descEp)
		}
	}
	return eps
}

func diffEndpoints(oldEps, newEps []HostEndpoint) EndpointsChange {
	var change EndpointsChange
	for _, ep := range newEps {
		if !containsEndpoint(oldEps, ep) {
			change.Added = append(change.Added, ep)
		}
	}
	for _, ep := range oldEps {
		if !containsEndpoint(newEps, ep) {
			change.Removed = append(change.Removed, ep)
		}
	}

	switch {
	case len(change.Added) > 0 && len(change.Removed) > 0:
		change.Kind = EndpointsReplaced
	case len(change.Added) > 0:
		change.Kind = EndpointsAdded
	case len(change.Removed) > 0:
		change.Kind = EndpointsRemoved
	default:
		change.Kind = EndpointsMoved
	}
	return change
}

// SetDescriptor attaches a new descriptor to the node, rebuilding the
// service URIs and notifying subscribed registries if the key endpoints
// of the node changed as a result.
func (n *Node) SetDescriptor(desc NodeDescriptor) {
	n.notifyLock.Lock()
	defer n.notifyLock.Unlock()

	n.lock.Lock()
	oldEps := n.keyEndpoints
	n.descriptor = &desc
	n.buildServiceURIsLocked()
	newEps := n.computeKeyEndpointsLocked()
	n.keyEndpoints = newEps
	listeners := slices.Clone(n.listeners)
	n.lock.Unlock()

	if slices.Equal(oldEps, newEps) {
		return
	}

	change := diffEndpoints(oldEps, newEps)
	for _, l := range listeners {
		l.nodeEndpointsChanged(n, change)
	}
}

func (n *Node) subscribe(l endpointsListener) {
	n.lock.Lock()
	if !slices.Contains(n.listeners, l) {
		n.listeners = append(n.listeners, l)
	}
	n.lock.Unlock()
}

func (n *Node) unsubscribe(l endpointsListener) {
	n.lock.Lock()
	idx := slices.Index(n.listeners, l)
	if idx >= 0 {
		n.listeners = slices.Delete(n.listeners, idx, idx+1)
	}
	n.lock.Unlock()
}

// BuildServiceURIs rebuilds the base URIs of all of the HTTP services.
func (n *Node) BuildServiceURIs() {
	n.lock.Lock()
	n.buildServiceURIsLocked()
	n.lock.Unlock()
}

func (n *Node) buildServiceURIsLocked() {
	n.serviceURIs = make(map[ServiceType]*url.URL)
	if n.descriptor == nil {
		return
	}

	scheme := "http"
	if n.useTLS {
		scheme = "https"
	}

	paths := map[ServiceType]string{
		ServiceTypeQuery:      "/query/service",
		ServiceTypeSearch:     "/",
		ServiceTypeAnalytics:  "/analytics/service",
		ServiceTypeViews:      "/",
		ServiceTypeManagement: "/",
	}

	for svc, path := range paths {
		port := n.descriptor.Ports.Port(svc, n.useTLS)
		if port == 0 {
			continue
		}

		n.serviceURIs[svc] = &url.URL{
			Scheme: scheme,
			Host:   net.JoinHostPort(n.descriptor.Hostname, strconv.Itoa(port)),
			Path:   path,
		}
	}
}

// ServiceURI returns the base URI of a service and records the access as
// activity against that service.  It returns nil if the node does not
// offer the service.
func (n *Node) ServiceURI(svc ServiceType) *url.URL {
	n.lock.Lock()
	defer n.lock.Unlock()

	uri := n.serviceURIs[svc]
	if uri == nil {
		return nil
	}

	n.lastActivity[svc] = time.Now()

	uriCopy := *uri
	return &uriCopy
}

func (n *Node) QueryURI() *url.URL      { return n.ServiceURI(ServiceTypeQuery) }
func (n *Node) SearchURI() *url.URL     { return n.ServiceURI(ServiceTypeSearch) }
func (n *Node) AnalyticsURI() *url.URL  { return n.ServiceURI(ServiceTypeAnalytics) }
func (n *Node) ViewsURI() *url.URL      { return n.ServiceURI(ServiceTypeViews) }
func (n *Node) ManagementURI() *url.URL { return n.ServiceURI(ServiceTypeManagement) }

// LastActivity returns when the service was last used on this node.
func (n *Node) LastActivity(svc ServiceType) (time.Time, bool) {
	n.lock.Lock()
	ts, ok := n.lastActivity[svc]
	n.lock.Unlock()
	return ts, ok
}

func (n *Node) kvConn() (NodeConn, error) {
	if n.conn == nil {
		return nil, ErrNoKvService
	}
	if n.IsClosed() {
		return nil, ErrNodeClosed
	}
	return n.conn, nil
}

func (n *Node) markKvActivity() {
	n.lock.Lock()
	n.lastActivity[ServiceTypeKeyValue] = time.Now()
	n.lock.Unlock()
}

func (n *Node) SelectBucket(ctx context.Context, bucketName string) error {
	conn, err := n.kvConn()
	if err != nil {
		return err
	}

	n.markKvActivity()
	err = conn.SelectBucket(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("failed to select bucket %s on %s: %w", bucketName, n.endpoint, err)
	}

	return nil
}

// GetClusterConfig fetches the configuration visible to this node's
// connection: the bucket config if a bucket is selected, otherwise the
// global cluster config.
func (n *Node) GetClusterConfig(ctx context.Context) (*BucketConfig, error) {
	conn, err := n.kvConn()
	if err != nil {
		return nil, err
	}

	n.markKvActivity()
	data, err := conn.GetClusterConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch cluster config from %s: %w", n.endpoint, err)
	}

	return ParseBucketConfig(data, ParseOptions{
		SourceHost:  n.bootstrapEndpoint.Host,
		NetworkType: n.networkType,
	})
}

func (n *Node) GetManifest(ctx context.Context) (*cbconfig.CollectionManifestJson, error) {
	conn, err := n.kvConn()
	if err != nil {
		return nil, err
	}

	n.markKvActivity()
	data, err := conn.GetCollectionManifest(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch collection manifest from %s: %w", n.endpoint, err)
	}

	return cbconfig.ParseCollectionManifest(data)
}

// Close releases the node's connection.  It is safe to call multiple times.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.lock.Lock()
		n.closed = true
		n.listeners = nil
		n.lock.Unlock()

		if n.conn != nil {
			n.closeErr = n.conn.Close()
			if n.metrics != nil {
				n.metrics.NodesConnected.Add(context.Background(), -1)
			}
		}

		n.logger.Debug("closed node", zap.Stringer("endpoint", n.endpoint))
	})
	return n.closeErr
}

func (n *Node) String() string {
	return n.endpoint.String()
}
