package metadata

import (
	"fmt"
	"strconv"
	"strings"
)

// unitDim is a vector of exponents over the SI base dimensions. Two unit
// expressions are interchangeable when their vectors are equal; magnitudes
// are irrelevant for validation.
type unitDim struct {
	length      int
	mass        int
	time        int
	current     int
	temperature int
	amount      int
	luminosity  int
}

func (d unitDim) scale(n int) unitDim {
	return unitDim{
		length:      d.length * n,
		mass:        d.mass * n,
		time:        d.time * n,
		current:     d.current * n,
		temperature: d.temperature * n,
		amount:      d.amount * n,
		luminosity:  d.luminosity * n,
	}
}

func (d unitDim) add(o unitDim) unitDim {
	return unitDim{
		length:      d.length + o.length,
		mass:        d.mass + o.mass,
		time:        d.time + o.time,
		current:     d.current + o.current,
		temperature: d.temperature + o.temperature,
		amount:      d.amount + o.amount,
		luminosity:  d.luminosity + o.luminosity,
	}
}

// namedUnits covers the units that appear in sample metadata: SI base
// units, the lab staples derived from them, and common spellings.
var namedUnits = map[string]unitDim{
	"m": {length: 1}, "meter": {length: 1}, "metre": {length: 1},
	"g": {mass: 1}, "gram": {mass: 1},
	"s": {time: 1}, "sec": {time: 1}, "second": {time: 1},
	"min": {time: 1}, "minute": {time: 1},
	"h": {time: 1}, "hour": {time: 1}, "day": {time: 1},
	"A": {current: 1}, "ampere": {current: 1},
	"K": {temperature: 1}, "kelvin": {temperature: 1},
	"degC": {temperature: 1}, "celsius": {temperature: 1},
	"degF": {temperature: 1}, "fahrenheit": {temperature: 1},
	"mol": {amount: 1}, "mole": {amount: 1},
	"cd": {luminosity: 1}, "candela": {luminosity: 1},
	"L": {length: 3}, "l": {length: 3}, "liter": {length: 3}, "litre": {length: 3},
	"M": {amount: 1, length: -3}, "molar": {amount: 1, length: -3},
	"Hz": {time: -1}, "hertz": {time: -1},
	"percent": {}, "%": {}, "ppm": {}, "ppb": {},
}

// Longest prefixes first so "da" wins over "d".
var siPrefixes = []string{
	"da", "y", "z", "a", "f", "p", "n", "u", "µ",
	"m", "c", "d", "h", "k", "M", "G", "T", "P", "E", "Z", "Y",
}

func resolveUnit(name string) (unitDim, error) {
	if dim, ok := namedUnits[name]; ok {
		return dim, nil
	}
	for _, p := range siPrefixes {
		rest, ok := strings.CutPrefix(name, p)
		if !ok || rest == "" {
			continue
		}
		if dim, ok := namedUnits[rest]; ok {
			return dim, nil
		}
	}
	return unitDim{}, fmt.Errorf("unknown unit %s", name)
}

func parseUnitTerm(term string) (unitDim, error) {
	name, expStr, hasExp := strings.Cut(term, "^")
	exp := 1
	if hasExp {
		n, err := strconv.Atoi(expStr)
		if err != nil {
			return unitDim{}, fmt.Errorf("bad exponent in %s", term)
		}
		exp = n
	}
	dim, err := resolveUnit(name)
	if err != nil {
		return unitDim{}, err
	}
	return dim.scale(exp), nil
}

func splitUnitTerms(part string) []string {
	return strings.FieldsFunc(part, func(r rune) bool {
		return r == ' ' || r == '*' || r == '·'
	})
}

// parseUnits reduces a unit expression such as "mg", "g/L", or "m s^-2"
// to its dimension vector. Successive "/" parts divide, as in "mg/kg/day".
func parseUnits(expr string) (unitDim, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return unitDim{}, fmt.Errorf("empty unit expression")
	}
	var total unitDim
	for i, part := range strings.Split(expr, "/") {
		terms := splitUnitTerms(part)
		if len(terms) == 0 {
			return unitDim{}, fmt.Errorf("empty term in unit expression %s", expr)
		}
		for _, term := range terms {
			dim, err := parseUnitTerm(term)
			if err != nil {
				return unitDim{}, err
			}
			if i > 0 {
				dim = dim.scale(-1)
			}
			total = total.add(dim)
		}
	}
	return total, nil
}
