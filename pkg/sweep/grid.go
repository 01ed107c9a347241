// Package sweep runs a federated-learning experiment once for every feasible
// combination of a parameter grid.
package sweep

import (
	"fmt"
	"strconv"
)

// heldOutExamples is reserved from the example pool for validation when a
// total example budget is enforced.
const heldOutExamples = 512

// Combination is one assignment of every sweep parameter.
type Combination struct {
	Clients   int `json:"clients" yaml:"clients"`
	Examples  int `json:"examples" yaml:"examples"`
	SyncEvery int `json:"sync_every" yaml:"sync_every"`
	AvgEvery  int `json:"avg_every" yaml:"avg_every"`
}

// Product is the total number of training examples across all clients.
func (c Combination) Product() int {
	return c.Clients * c.Examples
}

// LogName is the log file name for the combination.
func (c Combination) LogName() string {
	return fmt.Sprintf("%d_%d_%d_%d.txt", c.Clients, c.Examples, c.SyncEvery, c.AvgEvery)
}

// Args are the positional launcher arguments.
func (c Combination) Args() []string {
	return []string{
		strconv.Itoa(c.Clients),
		strconv.Itoa(c.Examples),
		strconv.Itoa(c.SyncEvery),
		strconv.Itoa(c.AvgEvery),
	}
}

func (c Combination) String() string {
	return fmt.Sprintf("(%d, %d, %d, %d)", c.Clients, c.Examples, c.SyncEvery, c.AvgEvery)
}

// Feasible reports whether the combination has enough examples to reach
// both the sync and the averaging interval. When maxTotal is positive the
// examples plus the held-out reserve must also fit within it.
func Feasible(c Combination, maxTotal int) bool {
	p := c.Product()
	if p < c.SyncEvery || p < c.AvgEvery {
		return false
	}
	if maxTotal > 0 && p+heldOutExamples > maxTotal {
		return false
	}
	return true
}

// Grid holds the candidate values of each parameter.
type Grid struct {
	Clients   []int `json:"clients" yaml:"clients"`
	Examples  []int `json:"examples" yaml:"examples"`
	SyncEvery []int `json:"sync_every" yaml:"sync_every"`
	AvgEvery  []int `json:"avg_every" yaml:"avg_every"`
}

// Size is the number of combinations in the grid.
func (g Grid) Size() int {
	return len(g.Clients) * len(g.Examples) * len(g.SyncEvery) * len(g.AvgEvery)
}

// Combinations enumerates the Cartesian product with clients outermost,
// then examples, sync interval and averaging interval.
func (g Grid) Combinations() []Combination {
	out := make([]Combination, 0, g.Size())
	for _, c := range g.Clients {
		for _, e := range g.Examples {
			for _, s := range g.SyncEvery {
				for _, a := range g.AvgEvery {
					out = append(out, Combination{Clients: c, Examples: e, SyncEvery: s, AvgEvery: a})
				}
			}
		}
	}
	return out
}

// Validate checks that every list is populated with positive values.
func (g Grid) Validate() error {
	lists := []struct {
		name string
		vals []int
	}{
		{"clients", g.Clients},
		{"examples", g.Examples},
		{"sync_every", g.SyncEvery},
		{"avg_every", g.AvgEvery},
	}
	for _, l := range lists {
		if len(l.vals) == 0 {
			return fmt.Errorf("%s: at least one value required", l.name)
		}
		for _, v := range l.vals {
			if v <= 0 {
				return fmt.Errorf("%s: value must be positive, got %d", l.name, v)
			}
		}
	}
	return nil
}

// DefaultGrid is the grid swept by the federated MNIST experiment.
func DefaultGrid() Grid {
	return Grid{
		Clients:   []int{2, 11, 22, 33, 101, 1001},
		Examples:  []int{5, 10, 30, 40},
		SyncEvery: []int{1, 3, 5},
		AvgEvery:  []int{10, 100, 200},
	}
}
