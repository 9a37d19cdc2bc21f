// Package registry owns the immutable step definitions of the pipeline DAG.
package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/salespipe-labs/salespipe-go/internal/domain"
)

var ErrSealed = errors.New("registry is sealed")
var ErrNotSealed = errors.New("registry is not sealed")

// DuplicateStepError reports a second registration under an existing name.
type DuplicateStepError struct {
	Name string
}

func (e *DuplicateStepError) Error() string {
	return fmt.Sprintf("step %q is already registered", e.Name)
}

// UnknownDependencyError reports a dependency on an unregistered step.
type UnknownDependencyError struct {
	Step       string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("step %q depends on unregistered step %q", e.Step, e.Dependency)
}

// CyclicDependencyError lists one dependency cycle found at seal time.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("dependency graph contains a cycle: %s", strings.Join(e.Cycle, " -> "))
}

// Registry holds step definitions. Registration is two-phase: Register
// accepts forward references, Seal resolves them and checks the graph.
// After a successful Seal the registry is read-only.
type Registry struct {
	steps  map[string]domain.StepDefinition
	order  []string
	sealed bool
}

func New() *Registry {
	return &Registry{
		steps: make(map[string]domain.StepDefinition),
	}
}

func (r *Registry) Register(def domain.StepDefinition) error {
	if r.sealed {
		return ErrSealed
	}
	if err := def.Validate(); err != nil {
		return fmt.Errorf("step %q: %w", def.Name, err)
	}
	name := strings.TrimSpace(def.Name)
	if _, exists := r.steps[name]; exists {
		return &DuplicateStepError{Name: name}
	}
	r.steps[name] = def
	r.order = append(r.order, name)
	return nil
}

// Seal resolves dependency references, rejects cycles, and freezes the
// registry for the process lifetime.
func (r *Registry) Seal() error {
	if r.sealed {
		return ErrSealed
	}
	if len(r.steps) == 0 {
		return errors.New("registry has no steps")
	}

	for _, name := range r.order {
		for _, dep := range r.steps[name].DependsOn {
			if _, ok := r.steps[dep]; !ok {
				return &UnknownDependencyError{Step: name, Dependency: dep}
			}
		}
	}

	if cycle := r.findCycle(); len(cycle) > 0 {
		return &CyclicDependencyError{Cycle: cycle}
	}

	r.sealed = true
	return nil
}

func (r *Registry) Sealed() bool {
	return r.sealed
}

// Get returns the definition for a step name.
func (r *Registry) Get(name string) (domain.StepDefinition, bool) {
	def, ok := r.steps[name]
	return def, ok
}

// Steps returns all definitions in registration order.
func (r *Registry) Steps() []domain.StepDefinition {
	out := make([]domain.StepDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.steps[name])
	}
	return out
}

// Dependents returns the direct downstream steps of a step, in
// registration order.
func (r *Registry) Dependents(name string) []string {
	out := make([]string, 0)
	for _, candidate := range r.order {
		for _, dep := range r.steps[candidate].DependsOn {
			if dep == name {
				out = append(out, candidate)
				break
			}
		}
	}
	return out
}

// findCycle runs a three-color DFS over dependency edges and returns the
// first cycle found as a closed path, or nil.
func (r *Registry) findCycle() []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(r.steps))
	stack := make([]string, 0, len(r.steps))
	var cycle []string

	var visit func(string) bool
	visit = func(node string) bool {
		switch state[node] {
		case visiting:
			start := 0
			for i, name := range stack {
				if name == node {
					start = i
					break
				}
			}
			cycle = append(append([]string{}, stack[start:]...), node)
			return true
		case done:
			return false
		}
		state[node] = visiting
		stack = append(stack, node)
		for _, dep := range r.steps[node].DependsOn {
			if visit(dep) {
				return true
			}
		}
		stack = stack[:len(stack)-1]
		state[node] = done
		return false
	}

	for _, name := range r.order {
		if state[name] == unvisited {
			if visit(name) {
				return cycle
			}
		}
	}
	return nil
}
