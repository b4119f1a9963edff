// Package connstr turns a Couchbase connection string into the seed
// endpoints a topology bootstraps from.
package connstr

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/couchbase/gocbtopology/topology"
	"github.com/couchbaselabs/gocbconnstr"
	"go.uber.org/zap"
)

const (
	defaultMgmtPort    = 8091
	defaultMgmtTLSPort = 18091
)

// SRVResolver looks up DNS SRV records.  *net.Resolver satisfies it.
type SRVResolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

var _ SRVResolver = (*net.Resolver)(nil)

type ResolveOptions struct {
	Logger   *zap.Logger
	Resolver SRVResolver
}

// Seeds is a resolved connection string.
type Seeds struct {
	MemdHosts   []topology.HostEndpoint
	HttpHosts   []topology.HostEndpoint
	UseTLS      bool
	NetworkType topology.NetworkType
	Bucket      string
	Options     map[string][]string
	FromSRV     bool
}

// Option returns the last value given for a connection string option.
func (s *Seeds) Option(name string) string {
	values := s.Options[name]
	if len(values) == 0 {
		return ""
	}
	return values[len(values)-1]
}

// ResolveSeeds parses connStr and resolves it into seed endpoints.  A
// connection string naming a single host without a port is first looked up
// as a DNS SRV record, falling back to the host itself.
func ResolveSeeds(ctx context.Context, connStr string, opts ResolveOptions) (*Seeds, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	spec, err := gocbconnstr.Parse(connStr)
	if err != nil {
		return nil, fmt.Errorf("invalid connection string: %w", err)
	}

	resolved, err := gocbconnstr.Resolve(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve connection string: %w", err)
	}

	seeds := &Seeds{
		UseTLS:  resolved.UseSsl,
		Bucket:  resolved.Bucket,
		Options: spec.Options,
	}

	seeds.NetworkType, err = parseNetworkType(seeds.Option("network"))
	if err != nil {
		return nil, err
	}

	if recordName := spec.SrvRecordName(); recordName != "" && opts.Resolver != nil {
		srvSeeds, err := lookupSRVSeeds(ctx, opts.Resolver, recordName)
		if err != nil {
			logger.Debug("srv lookup failed, using connection string hosts",
				zap.String("record", recordName),
				zap.Error(err))
		} else if len(srvSeeds) > 0 {
			seeds.MemdHosts = srvSeeds
			seeds.FromSRV = true

			mgmtPort := defaultMgmtPort
			if seeds.UseTLS {
				mgmtPort = defaultMgmtTLSPort
			}
			for _, ep := range srvSeeds {
				seeds.HttpHosts = append(seeds.HttpHosts, topology.HostEndpoint{
					Host: ep.Host,
					Port: mgmtPort,
				})
			}

			return seeds, nil
		}
	}

	seeds.MemdHosts = uniqueEndpoints(resolved.MemdHosts)
	seeds.HttpHosts = uniqueEndpoints(resolved.HttpHosts)

	if len(seeds.MemdHosts) == 0 {
		return nil, fmt.Errorf("connection string %q contains no data service hosts", connStr)
	}

	return seeds, nil
}

func lookupSRVSeeds(ctx context.Context, resolver SRVResolver, recordName string) ([]topology.HostEndpoint, error) {
	_, addrs, err := resolver.LookupSRV(ctx, "", "", recordName)
	if err != nil {
		return nil, err
	}

	var eps []topology.HostEndpoint
	for _, addr := range addrs {
		eps = append(eps, topology.HostEndpoint{
			Host: strings.TrimSuffix(addr.Target, "."),
			Port: int(addr.Port),
		})
	}

	return dedupeEndpoints(eps), nil
}

func uniqueEndpoints(addrs []gocbconnstr.Address) []topology.HostEndpoint {
	eps := make([]topology.HostEndpoint, 0, len(addrs))
	for _, addr := range addrs {
		eps = append(eps, topology.HostEndpoint{
			Host: addr.Host,
			Port: addr.Port,
		})
	}
	return dedupeEndpoints(eps)
}

func dedupeEndpoints(eps []topology.HostEndpoint) []topology.HostEndpoint {
	seen := make(map[topology.HostEndpoint]struct{}, len(eps))
	var out []topology.HostEndpoint
	for _, ep := range eps {
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}

func parseNetworkType(value string) (topology.NetworkType, error) {
	switch topology.NetworkType(value) {
	case "", topology.NetworkTypeAuto:
		return topology.NetworkTypeAuto, nil
	case topology.NetworkTypeDefault:
		return topology.NetworkTypeDefault, nil
	case topology.NetworkTypeExternal:
		return topology.NetworkTypeExternal, nil
	}
	return "", fmt.Errorf("invalid network type %q", value)
}
