package strategy

import (
	"fmt"
	"sort"
)

// Params are strategy-specific numeric settings keyed by name.
type Params map[string]float64

// get returns the named value or def when absent.
func (p Params) get(name string, def float64) float64 {
	if v, ok := p[name]; ok {
		return v
	}
	return def
}

// positive returns the named value, def when absent, and an error when not positive.
func (p Params) positive(name string, def float64) (float64, error) {
	v := p.get(name, def)
	if !(v > 0) {
		return 0, fmt.Errorf("parameter %s must be positive, got %v", name, v)
	}
	return v, nil
}

// Kinds lists the strategy kinds New understands.
func Kinds() []string {
	kinds := make([]string, 0, len(builders))
	for k := range builders {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

type builder func(cfg Config, params Params, deps Deps) (Unit, error)

var builders = map[string]builder{
	"arbitrage": func(cfg Config, params Params, deps Deps) (Unit, error) { return NewArbitrage(cfg, params, deps) },
	"dca":       func(cfg Config, params Params, deps Deps) (Unit, error) { return NewDCA(cfg, params, deps) },
	"grid":      func(cfg Config, params Params, deps Deps) (Unit, error) { return NewGrid(cfg, params, deps) },
	"momentum":  func(cfg Config, params Params, deps Deps) (Unit, error) { return NewMomentum(cfg, params, deps) },
	"scalping":  func(cfg Config, params Params, deps Deps) (Unit, error) { return NewScalping(cfg, params, deps) },
}

// New builds a unit of the given kind.
func New(kind string, cfg Config, params Params, deps Deps) (Unit, error) {
	b, ok := builders[kind]
	if !ok {
		return nil, fmt.Errorf("unknown strategy kind %q (known: %v)", kind, Kinds())
	}
	return b(cfg, params, deps)
}
