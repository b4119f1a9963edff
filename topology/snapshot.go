package topology

import "sort"

// NodeInfo is a point-in-time description of a node, for diagnostics.
type NodeInfo struct {
	Endpoint          string   `json:"endpoint"`
	BootstrapEndpoint string   `json:"bootstrapEndpoint"`
	KeyEndpoints      []string `json:"keyEndpoints"`
	Bucket            string   `json:"bucket,omitempty"`
	Services          []string `json:"services"`
	Features          []uint16 `json:"features,omitempty"`
	Closed            bool     `json:"closed,omitempty"`
}

func (n *Node) Info() NodeInfo {
	info := NodeInfo{
		Endpoint:          n.Endpoint().String(),
		BootstrapEndpoint: n.BootstrapEndpoint().String(),
		Closed:            n.IsClosed(),
	}

	for _, ep := range n.KeyEndpoints() {
		info.KeyEndpoints = append(info.KeyEndpoints, ep.String())
	}

	if owner := n.Owner(); owner != nil {
		info.Bucket = owner.Name()
	}

	for _, svc := range allServiceTypes {
		if n.HasService(svc) {
			info.Services = append(info.Services, svc.String())
		}
	}

	for _, feature := range n.Features() {
		info.Features = append(info.Features, uint16(feature))
	}

	return info
}

// NodeInfos describes every node of the topology, ordered by endpoint.
func (t *Topology) NodeInfos() []NodeInfo {
	nodes := t.nodes.Nodes()
	infos := make([]NodeInfo, 0, len(nodes))
	for _, node := range nodes {
		infos = append(infos, node.Info())
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Endpoint < infos[j].Endpoint
	})
	return infos
}
