package topology

import (
	"fmt"
	"net"

	"github.com/couchbase/gocbtopology/common/cbconfig"
	"golang.org/x/exp/slices"
)

type NetworkType string

const (
	NetworkTypeAuto     NetworkType = "auto"
	NetworkTypeDefault  NetworkType = "default"
	NetworkTypeExternal NetworkType = "external"
)

const (
	NodeLocatorVbucket = "vbucket"
	NodeLocatorKetama  = "ketama"
)

type ServicePorts struct {
	Kv           int
	KvSSL        int
	Query        int
	QuerySSL     int
	Search       int
	SearchSSL    int
	Analytics    int
	AnalyticsSSL int
	Views        int
	ViewsSSL     int
	Mgmt         int
	MgmtSSL      int
}

func servicePortsFromMap(services map[string]int) ServicePorts {
	return ServicePorts{
		Kv:           services["kv"],
		KvSSL:        services["kvSSL"],
		Query:        services["n1ql"],
		QuerySSL:     services["n1qlSSL"],
		Search:       services["fts"],
		SearchSSL:    services["ftsSSL"],
		Analytics:    services["cbas"],
		AnalyticsSSL: services["cbasSSL"],
		Views:        services["capi"],
		ViewsSSL:     services["capiSSL"],
		Mgmt:         services["mgmt"],
		MgmtSSL:      services["mgmtSSL"],
	}
}

// Port returns the port for a particular service, or 0 if the service is
// not offered over the requested transport.
func (p ServicePorts) Port(svc ServiceType, useTLS bool) int {
	pick := func(plain, tls int) int {
		if useTLS {
			return tls
		}
		return plain
	}

	switch svc {
	case ServiceTypeKeyValue:
		return pick(p.Kv, p.KvSSL)
	case ServiceTypeQuery:
		return pick(p.Query, p.QuerySSL)
	case ServiceTypeSearch:
		return pick(p.Search, p.SearchSSL)
	case ServiceTypeAnalytics:
		return pick(p.Analytics, p.AnalyticsSSL)
	case ServiceTypeViews:
		return pick(p.Views, p.ViewsSSL)
	case ServiceTypeManagement:
		return pick(p.Mgmt, p.MgmtSSL)
	}
	return 0
}

// NodeDescriptor is the description of a single node as it appears in a
// configuration.
type NodeDescriptor struct {
	Hostname string
	Ports    ServicePorts
	ThisNode bool
}

func (d NodeDescriptor) HasService(svc ServiceType) bool {
	return d.Ports.Port(svc, false) > 0 || d.Ports.Port(svc, true) > 0
}

func (d NodeDescriptor) HasKv() bool        { return d.HasService(ServiceTypeKeyValue) }
func (d NodeDescriptor) HasQuery() bool     { return d.HasService(ServiceTypeQuery) }
func (d NodeDescriptor) HasSearch() bool    { return d.HasService(ServiceTypeSearch) }
func (d NodeDescriptor) HasAnalytics() bool { return d.HasService(ServiceTypeAnalytics) }
func (d NodeDescriptor) HasViews() bool     { return d.HasService(ServiceTypeViews) }
func (d NodeDescriptor) HasMgmt() bool      { return d.HasService(ServiceTypeManagement) }

// KeyEndpoint is the endpoint a node is primarily identified by: its data
// service endpoint, or its management endpoint when it has no data service.
func (d NodeDescriptor) KeyEndpoint(useTLS bool) HostEndpoint {
	port := d.Ports.Port(ServiceTypeKeyValue, useTLS)
	if port == 0 {
		port = d.Ports.Port(ServiceTypeManagement, useTLS)
	}
	return HostEndpoint{
		Host: d.Hostname,
		Port: port,
	}
}

// Revision orders configurations. The epoch always dominates the revision.
type Revision struct {
	Epoch int64
	Rev   int64
}

// Compare returns 0 if r == o, -1 if r < o, and +1 if r > o.
func (r Revision) Compare(o Revision) int {
	if r.Epoch != o.Epoch {
		if r.Epoch > o.Epoch {
			return +1
		}
		return -1
	}
	if r.Rev != o.Rev {
		if r.Rev > o.Rev {
			return +1
		}
		return -1
	}
	return 0
}

func (r Revision) String() string {
	return fmt.Sprintf("%d/%d", r.Epoch, r.Rev)
}

// BucketConfig is a parsed cluster or bucket configuration.
type BucketConfig struct {
	Rev                    int64
	RevEpoch               int64
	Name                   string
	UUID                   string
	IsGlobal               bool
	NodeLocator            string
	BucketCapabilities     []string
	ClusterCapabilities    map[string][]string
	CollectionsManifestUID string
	NetworkType            NetworkType
	Nodes                  []NodeDescriptor
}

func (c *BucketConfig) Revision() Revision {
	return Revision{
		Epoch: c.RevEpoch,
		Rev:   c.Rev,
	}
}

func (c *BucketConfig) HasBucketCapability(capability string) bool {
	return slices.Contains(c.BucketCapabilities, capability)
}

func (c *BucketConfig) HasClusterCapability(category, capability string) bool {
	return slices.Contains(c.ClusterCapabilities[category], capability)
}

type ParseOptions struct {
	// SourceHost is the host the configuration was fetched from.
	SourceHost  string
	NetworkType NetworkType
}

// ParseBucketConfig parses a raw terse configuration.
func ParseBucketConfig(data []byte, opts ParseOptions) (*BucketConfig, error) {
	configJson, err := cbconfig.ParseTerseConfig(data, hostForSubstitution(opts.SourceHost))
	if err != nil {
		return nil, err
	}

	return BucketConfigFromJson(configJson, opts)
}

func hostForSubstitution(host string) string {
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		return "[" + host + "]"
	}
	return host
}

// BucketConfigFromJson converts an already decoded terse configuration.
func BucketConfigFromJson(configJson *cbconfig.TerseConfigJson, opts ParseOptions) (*BucketConfig, error) {
	networkType := selectNetworkType(configJson, opts)

	isGlobal := configJson.Name == ""

	// Bucket configs list the nodes which have the data service ready in the
	// legacy nodes list. A nodesExt entry without a match there is not yet
	// ready to serve data for this bucket.
	var readyHosts map[string]struct{}
	if !isGlobal && len(configJson.Nodes) > 0 {
		readyHosts = make(map[string]struct{}, len(configJson.Nodes))
		for _, nodeJson := range configJson.Nodes {
			readyHosts[stripPort(nodeJson.Hostname)] = struct{}{}
		}
	}

	nodes := make([]NodeDescriptor, 0, len(configJson.NodesExt))
	for _, nodeJson := range configJson.NodesExt {
		hostname := trimBrackets(nodeJson.Hostname)
		if hostname == "" {
			hostname = opts.SourceHost
		}

		ports := servicePortsFromMap(nodeJson.Services)

		if readyHosts != nil {
			if _, ok := readyHosts[hostname]; !ok {
				ports.Kv = 0
				ports.KvSSL = 0
			}
		}

		if networkType == NetworkTypeExternal {
			altAddress, ok := nodeJson.AltAddresses[string(NetworkTypeExternal)]
			if ok && altAddress.Hostname != "" {
				hostname = trimBrackets(altAddress.Hostname)
				if len(altAddress.Ports) > 0 {
					altPorts := servicePortsFromMap(altAddress.Ports)
					if ports.Kv == 0 && ports.KvSSL == 0 {
						altPorts.Kv = 0
						altPorts.KvSSL = 0
					}
					ports = altPorts
				}
			}
		}

		nodes = append(nodes, NodeDescriptor{
			Hostname: hostname,
			Ports:    ports,
			ThisNode: nodeJson.ThisNode,
		})
	}

	if len(nodes) == 0 {
		return nil, fmt.Errorf("config revision %d contains no nodes", configJson.Rev)
	}

	return &BucketConfig{
		Rev:                    int64(configJson.Rev),
		RevEpoch:               int64(configJson.RevEpoch),
		Name:                   configJson.Name,
		UUID:                   configJson.UUID,
		IsGlobal:               isGlobal,
		NodeLocator:            configJson.NodeLocator,
		BucketCapabilities:     configJson.BucketCapabilities,
		ClusterCapabilities:    configJson.ClusterCapabilities,
		CollectionsManifestUID: configJson.CollectionsManifestUid,
		NetworkType:            networkType,
		Nodes:                  nodes,
	}, nil
}

func trimBrackets(host string) string {
	if len(host) >= 2 && host[0] == '[' && host[len(host)-1] == ']' {
		return host[1 : len(host)-1]
	}
	return host
}

func selectNetworkType(configJson *cbconfig.TerseConfigJson, opts ParseOptions) NetworkType {
	switch opts.NetworkType {
	case NetworkTypeDefault, NetworkTypeExternal:
		return opts.NetworkType
	}

	// auto: use the default network if the source host is one of the default
	// hostnames, otherwise use the external network if it matches there.
	sourceHost := opts.SourceHost
	for _, nodeJson := range configJson.NodesExt {
		hostname := trimBrackets(nodeJson.Hostname)
		if hostname == "" || hostname == sourceHost {
			return NetworkTypeDefault
		}
	}

	for _, nodeJson := range configJson.NodesExt {
		altAddress, ok := nodeJson.AltAddresses[string(NetworkTypeExternal)]
		if ok && trimBrackets(altAddress.Hostname) == sourceHost {
			return NetworkTypeExternal
		}
	}

	return NetworkTypeDefault
}
