package scope

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/cuemby/replguard/pkg/fault"
	"github.com/cuemby/replguard/pkg/types"
	"gopkg.in/yaml.v3"
)

// Kind selects how a scope is expressed
type Kind string

const (
	KindExplicit Kind = "explicit"
	KindSite     Kind = "site"
	KindAll      Kind = "all"
)

// Spec describes the set of nodes a run covers
type Spec struct {
	Kind  Kind
	Nodes []types.Node
	Site  string
}

// Explicit returns a spec naming nodes directly
func Explicit(nodes ...types.Node) Spec {
	return Spec{Kind: KindExplicit, Nodes: nodes}
}

// Inventory lists the managed nodes grouped by site
type Inventory struct {
	Sites map[string][]types.Node `yaml:"sites"`
}

// LoadInventory reads a YAML inventory file
func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeScopeInvalid, "failed to read inventory", fault.Field("path", path))
	}
	return ParseInventory(data)
}

// ParseInventory decodes a YAML inventory
func ParseInventory(data []byte) (*Inventory, error) {
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fault.Wrap(err, fault.CodeScopeInvalid, "failed to parse inventory")
	}
	if inv.Sites == nil {
		inv.Sites = map[string][]types.Node{}
	}
	return &inv, nil
}

// SiteNames returns the inventory's sites in order
func (inv *Inventory) SiteNames() []string {
	names := make([]string, 0, len(inv.Sites))
	for name := range inv.Sites {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolver turns a scope spec into a node list
type Resolver struct {
	inventory *Inventory
}

// NewResolver creates a resolver. inventory may be nil, in which case only
// explicit scopes resolve.
func NewResolver(inventory *Inventory) *Resolver {
	return &Resolver{inventory: inventory}
}

// Resolve returns the distinct, sorted nodes of spec
func (r *Resolver) Resolve(spec Spec) ([]types.Node, error) {
	var nodes []types.Node

	switch spec.Kind {
	case KindExplicit, "":
		if len(clean(spec.Nodes)) == 0 {
			return nil, fault.New(fault.CodeScopeInvalid, "explicit scope requires at least one node")
		}
		nodes = spec.Nodes

	case KindSite:
		if r.inventory == nil {
			return nil, fault.New(fault.CodeScopeInvalid, "site scope requires an inventory")
		}
		site, ok := r.lookupSite(spec.Site)
		if !ok {
			return nil, fault.New(fault.CodeScopeInvalid, fmt.Sprintf("unknown site %q", spec.Site),
				fault.Field("site", spec.Site))
		}
		nodes = r.inventory.Sites[site]

	case KindAll:
		if r.inventory == nil {
			return nil, fault.New(fault.CodeScopeInvalid, "fleet scope requires an inventory")
		}
		for _, site := range r.inventory.SiteNames() {
			nodes = append(nodes, r.inventory.Sites[site]...)
		}

	default:
		return nil, fault.New(fault.CodeScopeInvalid, fmt.Sprintf("unknown scope kind %q", spec.Kind))
	}

	nodes = clean(nodes)
	if len(nodes) == 0 {
		return nil, fault.New(fault.CodeScopeInvalid, "scope resolved to no nodes",
			fault.Field("kind", string(spec.Kind)))
	}
	return nodes, nil
}

func (r *Resolver) lookupSite(name string) (string, bool) {
	for site := range r.inventory.Sites {
		if strings.EqualFold(site, name) {
			return site, true
		}
	}
	return "", false
}

// clean trims, deduplicates and sorts node names. Names compare
// case-insensitively; the first spelling seen is kept.
func clean(nodes []types.Node) []types.Node {
	seen := make(map[string]struct{}, len(nodes))
	out := make([]types.Node, 0, len(nodes))
	for _, n := range nodes {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		key := strings.ToLower(n)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i]) < strings.ToLower(out[j])
	})
	return out
}
