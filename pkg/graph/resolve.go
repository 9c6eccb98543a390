package graph

import (
	"sort"
	"strings"

	"github.com/stackd/stackd/pkg/errors"
	"github.com/stackd/stackd/pkg/spec"
)

// visit marks for cycle detection
type visitMark int

const (
	markWhite visitMark = iota // unvisited
	markGray                   // on the current DFS path
	markBlack                  // fully explored
)

// resolveOrder computes the startup sequence. Cycle detection runs
// first via depth-first gray/black marking so a CycleError can name the
// cycle members; ordering then selects among services with no remaining
// unstarted dependencies in ascending lexical order.
func resolveOrder(services map[string]*spec.ServiceSpec) ([]string, error) {
	if err := detectCycle(services); err != nil {
		return nil, err
	}

	remaining := make(map[string]int, len(services)) // unstarted dependency count
	for name, service := range services {
		remaining[name] = len(service.DependsOn)
	}

	order := make([]string, 0, len(services))
	for len(order) < len(services) {
		var ready []string
		for name, count := range remaining {
			if count == 0 {
				ready = append(ready, name)
			}
		}
		sort.Strings(ready)

		for _, name := range ready {
			order = append(order, name)
			delete(remaining, name)
			for other, service := range services {
				if remaining[other] == 0 {
					continue
				}
				for _, dep := range service.DependsOn {
					if dep == name {
						remaining[other]--
					}
				}
			}
		}
	}

	return order, nil
}

// detectCycle performs a depth-first search with gray/black marking and
// reports the first cycle found, naming its member services.
func detectCycle(services map[string]*spec.ServiceSpec) error {
	marks := make(map[string]visitMark, len(services))
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		marks[name] = markGray
		path = append(path, name)

		deps := append([]string(nil), services[name].DependsOn...)
		sort.Strings(deps)

		for _, dep := range deps {
			switch marks[dep] {
			case markGray:
				// Found a back edge; extract the cycle from the path
				start := 0
				for i, member := range path {
					if member == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string(nil), path[start:]...), dep)
				return errors.NewCycleError(
					"dependency cycle detected: "+strings.Join(cycle, " -> "),
					nil,
				).WithContext("members", strings.Join(path[start:], ", "))
			case markWhite:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		marks[name] = markBlack
		return nil
	}

	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if marks[name] == markWhite {
			if err := visit(name); err != nil {
				return err
			}
		}
	}

	return nil
}
