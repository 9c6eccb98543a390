package graph

import (
	"sort"

	"github.com/stackd/stackd/pkg/errors"
	"github.com/stackd/stackd/pkg/spec"
)

// Graph owns the validated service set and the resolved start order.
// It is read-only after construction and safe for concurrent use.
type Graph struct {
	services   map[string]*spec.ServiceSpec
	dependents map[string][]string // reverse edges, sorted
	startOrder []string
}

// New builds a service graph and enforces its invariants: every
// dependency reference exists and the graph is acyclic. The start order
// is resolved once at construction.
func New(services map[string]*spec.ServiceSpec) (*Graph, error) {
	for name, service := range services {
		for _, dep := range service.DependsOn {
			if _, exists := services[dep]; !exists {
				return nil, errors.NewValidationError("unknown dependency reference", nil).
					WithContext("service", name).
					WithContext("dependency", dep)
			}
		}
	}

	g := &Graph{
		services:   services,
		dependents: make(map[string][]string),
	}

	for name, service := range services {
		for _, dep := range service.DependsOn {
			g.dependents[dep] = append(g.dependents[dep], name)
		}
	}
	for dep := range g.dependents {
		sort.Strings(g.dependents[dep])
	}

	order, err := resolveOrder(services)
	if err != nil {
		return nil, err
	}
	g.startOrder = order

	return g, nil
}

// Service returns the spec for a service name
func (g *Graph) Service(name string) (*spec.ServiceSpec, bool) {
	service, exists := g.services[name]
	return service, exists
}

// Names returns all service names in ascending lexical order
func (g *Graph) Names() []string {
	names := make([]string, 0, len(g.services))
	for name := range g.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of services in the graph
func (g *Graph) Len() int {
	return len(g.services)
}

// StartOrder returns the resolved startup sequence: every service
// appears after all of its dependencies, ties broken by ascending
// lexical order so the sequence is reproducible across runs.
func (g *Graph) StartOrder() []string {
	order := make([]string, len(g.startOrder))
	copy(order, g.startOrder)
	return order
}

// StopOrder is the exact reverse of StartOrder
func (g *Graph) StopOrder() []string {
	order := make([]string, len(g.startOrder))
	for i, name := range g.startOrder {
		order[len(order)-1-i] = name
	}
	return order
}

// Dependencies returns the direct dependencies of a service
func (g *Graph) Dependencies(name string) []string {
	service, exists := g.services[name]
	if !exists {
		return nil
	}
	deps := make([]string, len(service.DependsOn))
	copy(deps, service.DependsOn)
	return deps
}

// Dependents returns the direct dependents of a service
func (g *Graph) Dependents(name string) []string {
	deps := make([]string, len(g.dependents[name]))
	copy(deps, g.dependents[name])
	return deps
}

// TransitiveDependents returns every service that directly or
// transitively depends on name, in reverse-topological order (leaves
// first). Used for cascading stop and cascading failure.
func (g *Graph) TransitiveDependents(name string) []string {
	reachable := make(map[string]bool)
	var walk func(string)
	walk = func(current string) {
		for _, dependent := range g.dependents[current] {
			if !reachable[dependent] {
				reachable[dependent] = true
				walk(dependent)
			}
		}
	}
	walk(name)

	var result []string
	for i := len(g.startOrder) - 1; i >= 0; i-- {
		if reachable[g.startOrder[i]] {
			result = append(result, g.startOrder[i])
		}
	}
	return result
}
