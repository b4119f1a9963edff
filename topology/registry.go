package topology

import (
	"sync"
)

// NodeRegistry is a set of nodes, indexed by every address each node is
// reachable at.  Lookups are lock-free, mutations are serialized.
type NodeRegistry struct {
	lookup sync.Map // HostEndpoint -> *Node

	lock  sync.Mutex
	nodes map[*Node]struct{}
	order []*Node
}

var _ endpointsListener = (*NodeRegistry)(nil)

func NewNodeRegistry() *NodeRegistry {
	return &NodeRegistry{
		nodes: make(map[*Node]struct{}),
	}
}

// TryGet looks up the node that owns an address.
func (r *NodeRegistry) TryGet(ep HostEndpoint) (*Node, bool) {
	v, ok := r.lookup.Load(ep)
	if !ok {
		return nil, false
	}
	return v.(*Node), true
}

// Add registers a node under all of its current addresses.  It returns false
// if the node was already registered.  Addresses already owned by another
// registered node are left with that node.
func (r *NodeRegistry) Add(node *Node) (bool, error) {
	if node == nil {
		return false, ErrInvalidNode
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.nodes[node]; ok {
		return false, nil
	}

	r.nodes[node] = struct{}{}
	r.order = append(r.order, node)
	node.subscribe(r)

	for _, ep := range node.KeyEndpoints() {
		r.lookup.LoadOrStore(ep, node)
	}

	return true, nil
}

// Contains reports whether this exact node is registered.
func (r *NodeRegistry) Contains(node *Node) bool {
	r.lock.Lock()
	_, ok := r.nodes[node]
	r.lock.Unlock()
	return ok
}

// Remove removes the node registered at an address along with all of its
// other addresses.  It returns nil if no node is registered there.
func (r *NodeRegistry) Remove(ep HostEndpoint) *Node {
	r.lock.Lock()
	defer r.lock.Unlock()

	v, ok := r.lookup.Load(ep)
	if !ok {
		return nil
	}
	node := v.(*Node)

	if !r.removeLocked(node) {
		// stale entry, should not happen but don't leave it around
		r.lookup.CompareAndDelete(ep, node)
		return nil
	}

	return node
}

// RemoveNode removes a specific node.  It returns false if the node was not
// registered.
func (r *NodeRegistry) RemoveNode(node *Node) bool {
	if node == nil {
		return false
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	return r.removeLocked(node)
}

func (r *NodeRegistry) removeLocked(node *Node) bool {
	if _, ok := r.nodes[node]; !ok {
		return false
	}

	delete(r.nodes, node)
	for idx, n := range r.order {
		if n == node {
			r.order = append(r.order[:idx], r.order[idx+1:]...)
			break
		}
	}
	node.unsubscribe(r)

	r.releaseEndpointsLocked(node, node.KeyEndpoints())
	return true
}

// releaseEndpointsLocked drops the lookup entries for eps owned by node and
// hands them to any other registered node that shares the address.
func (r *NodeRegistry) releaseEndpointsLocked(node *Node, eps []HostEndpoint) {
	for _, ep := range eps {
		if !r.lookup.CompareAndDelete(ep, node) {
			continue
		}

		for _, other := range r.order {
			if other == node {
				continue
			}
			if containsEndpoint(other.KeyEndpoints(), ep) {
				r.lookup.Store(ep, other)
				break
			}
		}
	}
}

// Clear removes every node owned by the given bucket and returns them.
func (r *NodeRegistry) Clear(owner Bucket) []*Node {
	r.lock.Lock()
	defer r.lock.Unlock()

	var removed []*Node
	for _, node := range append([]*Node(nil), r.order...) {
		if node.Owner() != owner {
			continue
		}
		if r.removeLocked(node) {
			removed = append(removed, node)
		}
	}
	return removed
}

// ClearAll removes every node and returns them.
func (r *NodeRegistry) ClearAll() []*Node {
	r.lock.Lock()
	defer r.lock.Unlock()

	removed := r.order
	for _, node := range removed {
		node.unsubscribe(r)
		for _, ep := range node.KeyEndpoints() {
			r.lookup.CompareAndDelete(ep, node)
		}
	}

	r.nodes = make(map[*Node]struct{})
	r.order = nil
	return removed
}

// Nodes returns a snapshot of the registered nodes in insertion order.
func (r *NodeRegistry) Nodes() []*Node {
	r.lock.Lock()
	nodes := make([]*Node, len(r.order))
	copy(nodes, r.order)
	r.lock.Unlock()
	return nodes
}

func (r *NodeRegistry) Len() int {
	r.lock.Lock()
	count := len(r.order)
	r.lock.Unlock()
	return count
}

func (r *NodeRegistry) nodeEndpointsChanged(node *Node, change EndpointsChange) {
	if change.Kind == EndpointsMoved {
		return
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.nodes[node]; !ok {
		return
	}

	if len(change.Removed) > 0 {
		r.releaseEndpointsLocked(node, change.Removed)
	}
	for _, ep := range change.Added {
		r.lookup.LoadOrStore(ep, node)
	}
}
