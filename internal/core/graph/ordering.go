// Package graph resolves the start and stop order of a service topology.
// This is part of the Functional Core - all functions are pure with no I/O.
package graph

import (
	"sort"
	"strings"

	"github.com/artpar/stackd/internal/core/domain"
)

// =============================================================================
// Order
// =============================================================================

// Order is a total start order consistent with every dependency edge.
type Order struct {
	services []domain.ServiceDescriptor
}

// StartOrder returns the services in the order they must be started.
func (o Order) StartOrder() []domain.ServiceDescriptor {
	out := make([]domain.ServiceDescriptor, len(o.services))
	copy(out, o.services)
	return out
}

// StopOrder returns the exact reverse of StartOrder.
func (o Order) StopOrder() []domain.ServiceDescriptor {
	out := make([]domain.ServiceDescriptor, len(o.services))
	for i, svc := range o.services {
		out[len(o.services)-1-i] = svc
	}
	return out
}

// Names returns the start order as service names.
func (o Order) Names() []string {
	names := make([]string, len(o.services))
	for i, svc := range o.services {
		names[i] = svc.Name
	}
	return names
}

// Len returns the number of services in the order.
func (o Order) Len() int {
	return len(o.services)
}

// =============================================================================
// Resolve
// =============================================================================

// Resolve sorts services by their dependencies using Kahn's algorithm.
//
// Ties are broken by input order, so the same manifest always yields the
// same order. A cycle, a duplicate name or an edge to an unknown service is
// a ConfigurationError and no order is returned.
//
// Example:
//
//	// Services: web → api → db
//	order, err := Resolve([]domain.ServiceDescriptor{
//	    {Name: "web", DependsOn: []string{"api"}},
//	    {Name: "api", DependsOn: []string{"db"}},
//	    {Name: "db"},
//	})
//	// order.Names(): [db, api, web]
func Resolve(services []domain.ServiceDescriptor) (Order, error) {
	index := make(map[string]int, len(services))
	for i, svc := range services {
		if _, dup := index[svc.Name]; dup {
			return Order{}, domain.NewConfigurationError("services."+svc.Name, "service defined twice", domain.ErrDuplicateService)
		}
		index[svc.Name] = i
	}

	inDegree := make([]int, len(services))
	dependents := make([][]int, len(services))

	for i, svc := range services {
		seen := make(map[string]bool, len(svc.DependsOn))
		for _, dep := range svc.DependsOn {
			if seen[dep] {
				continue
			}
			seen[dep] = true

			j, ok := index[dep]
			if !ok {
				return Order{}, domain.NewConfigurationError(
					"services."+svc.Name+".depends_on",
					"depends on undefined service "+dep,
					domain.ErrUnknownDependency,
				)
			}
			inDegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	var queue []int
	for i := range services {
		if inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	result := make([]domain.ServiceDescriptor, 0, len(services))
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		result = append(result, services[i])

		for _, d := range dependents[i] {
			inDegree[d]--
			if inDegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}

	if len(result) < len(services) {
		var cyclic []string
		for i, svc := range services {
			if inDegree[i] > 0 {
				cyclic = append(cyclic, svc.Name)
			}
		}
		sort.Strings(cyclic)
		return Order{}, domain.NewConfigurationError(
			"services",
			"dependency cycle among "+strings.Join(cyclic, ", "),
			domain.ErrCyclicDependency,
		)
	}

	return Order{services: result}, nil
}

// =============================================================================
// Dependents
// =============================================================================

// Dependents returns every service that transitively depends on name, in
// input order. These are the services that must not start when name fails.
func Dependents(services []domain.ServiceDescriptor, name string) []string {
	affected := make(map[string]bool)
	stack := []string{name}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, svc := range services {
			if svc.HasDependency(cur) && !affected[svc.Name] {
				affected[svc.Name] = true
				stack = append(stack, svc.Name)
			}
		}
	}

	var out []string
	for _, svc := range services {
		if affected[svc.Name] {
			out = append(out, svc.Name)
		}
	}
	return out
}
