package registry

import (
	"fmt"

	"github.com/st3v3nmw/drover/internal/attest"
)

var (
	scenarios = make(map[string]*Scenario)
	order     []string
)

// Scenario is a named test suite exercising one aspect of the store
// under test.
type Scenario struct {
	Key     string
	Name    string
	Summary string
	Fn      SuiteFunc
}

// SuiteFunc builds the scenario's test suite.
type SuiteFunc func() *attest.Suite

// Register adds a scenario under the given key.
// Scenarios run in registration order.
func Register(key, name, summary string, fn SuiteFunc) {
	if _, exists := scenarios[key]; exists {
		panic(fmt.Sprintf("scenario %q registered twice", key))
	}

	scenarios[key] = &Scenario{Key: key, Name: name, Summary: summary, Fn: fn}
	order = append(order, key)
}

// Get returns the scenario registered under the given key.
func Get(key string) (*Scenario, error) {
	scenario, exists := scenarios[key]
	if !exists {
		return nil, fmt.Errorf("scenario %q not found", key)
	}

	return scenario, nil
}

// All returns every registered scenario in registration order.
func All() []*Scenario {
	all := make([]*Scenario, 0, len(order))
	for _, key := range order {
		all = append(all, scenarios[key])
	}

	return all
}
