package metadata

import (
	"fmt"
	"sort"

	"samplecore/pkg/domain"
)

// BuilderFunc constructs an exact-key validator callable from declarative
// configuration parameters.
type BuilderFunc func(params map[string]any) (ValidatorFunc, error)

// PrefixBuilderFunc constructs a prefix validator callable from parameters.
type PrefixBuilderFunc func(params map[string]any) (PrefixValidatorFunc, error)

// Registry maps builder names from configuration to builder functions. A
// static registry stands in for the dynamic module loading the original
// deployment model used; no code is resolved at runtime.
type Registry struct {
	builders       map[string]BuilderFunc
	prefixBuilders map[string]PrefixBuilderFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:       make(map[string]BuilderFunc),
		prefixBuilders: make(map[string]PrefixBuilderFunc),
	}
}

// Register adds a named exact-key builder.
func (r *Registry) Register(name string, fn BuilderFunc) error {
	if name == "" || fn == nil {
		return domain.NewError(domain.CodeMissingParameter, "builder name and function")
	}
	if _, dup := r.builders[name]; dup {
		return domain.Errorf(domain.CodeIllegalParameter, "validator builder %s already registered", name)
	}
	r.builders[name] = fn
	return nil
}

// RegisterPrefix adds a named prefix builder.
func (r *Registry) RegisterPrefix(name string, fn PrefixBuilderFunc) error {
	if name == "" || fn == nil {
		return domain.NewError(domain.CodeMissingParameter, "builder name and function")
	}
	if _, dup := r.prefixBuilders[name]; dup {
		return domain.Errorf(domain.CodeIllegalParameter, "prefix validator builder %s already registered", name)
	}
	r.prefixBuilders[name] = fn
	return nil
}

// Build resolves a named builder and constructs the callable.
func (r *Registry) Build(name string, params map[string]any) (ValidatorFunc, error) {
	fn, ok := r.builders[name]
	if !ok {
		return nil, domain.Errorf(domain.CodeIllegalParameter, "unknown validator builder %s", name)
	}
	v, err := fn(params)
	if err != nil {
		return nil, fmt.Errorf("build validator %s: %w", name, err)
	}
	return v, nil
}

// BuildPrefix resolves a named prefix builder and constructs the callable.
func (r *Registry) BuildPrefix(name string, params map[string]any) (PrefixValidatorFunc, error) {
	fn, ok := r.prefixBuilders[name]
	if !ok {
		return nil, domain.Errorf(domain.CodeIllegalParameter, "unknown prefix validator builder %s", name)
	}
	v, err := fn(params)
	if err != nil {
		return nil, fmt.Errorf("build prefix validator %s: %w", name, err)
	}
	return v, nil
}

// Names lists registered builder names, exact then prefix, each sorted.
func (r *Registry) Names() (exact, prefix []string) {
	for name := range r.builders {
		exact = append(exact, name)
	}
	for name := range r.prefixBuilders {
		prefix = append(prefix, name)
	}
	sort.Strings(exact)
	sort.Strings(prefix)
	return exact, prefix
}

// DefaultRegistry returns a registry preloaded with the standard builder
// family: noop, string, int, number, enum, and units.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(r.Register("noop", BuildNoop))
	must(r.Register("string", BuildString))
	must(r.Register("int", BuildInt))
	must(r.Register("number", BuildNumber))
	must(r.Register("enum", BuildEnum))
	must(r.Register("units", BuildUnits))
	must(r.RegisterPrefix("noop", BuildNoopPrefix))
	return r
}

// BuildNoop accepts every value.
func BuildNoop(_ map[string]any) (ValidatorFunc, error) {
	return func(_ string, _ domain.MetadataValue) *Failure { return nil }, nil
}

// BuildNoopPrefix accepts every value under the prefix.
func BuildNoopPrefix(_ map[string]any) (PrefixValidatorFunc, error) {
	return func(_, _ string, _ domain.MetadataValue) *Failure { return nil }, nil
}

func paramInt(params map[string]any, name string) (int, bool, error) {
	raw, ok := params[name]
	if !ok {
		return 0, false, nil
	}
	switch n := raw.(type) {
	case int:
		return n, true, nil
	case int64:
		return int(n), true, nil
	case float64:
		if n != float64(int(n)) {
			return 0, false, fmt.Errorf("parameter %s must be an integer", name)
		}
		return int(n), true, nil
	}
	return 0, false, fmt.Errorf("parameter %s must be an integer", name)
}

func paramFloat(params map[string]any, name string) (float64, bool, error) {
	raw, ok := params[name]
	if !ok {
		return 0, false, nil
	}
	switch n := raw.(type) {
	case int:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	case float64:
		return n, true, nil
	}
	return 0, false, fmt.Errorf("parameter %s must be a number", name)
}

func paramKeys(params map[string]any) ([]string, error) {
	raw, ok := params["keys"]
	if !ok {
		return nil, nil
	}
	switch keys := raw.(type) {
	case []string:
		return keys, nil
	case []any:
		out := make([]string, 0, len(keys))
		for _, k := range keys {
			s, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("parameter keys must contain only strings")
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("parameter keys must be a list of strings")
}

// BuildString validates that values are strings. Parameters: "keys"
// restricts which sub-keys are checked and requires their presence when
// "required" is true; "max-len" bounds string length for checked values.
func BuildString(params map[string]any) (ValidatorFunc, error) {
	maxLen, hasMax, err := paramInt(params, "max-len")
	if err != nil {
		return nil, err
	}
	if hasMax && maxLen < 1 {
		return nil, fmt.Errorf("max-len must be > 0")
	}
	keys, err := paramKeys(params)
	if err != nil {
		return nil, err
	}
	if !hasMax && keys == nil {
		return nil, fmt.Errorf("string validator requires max-len or keys")
	}
	required, _ := params["required"].(bool)
	return func(_ string, value domain.MetadataValue) *Failure {
		check := func(subkey string, v any) *Failure {
			s, ok := v.(string)
			if !ok {
				return FailSubKey(subkey, "value for key %s is not a string", subkey)
			}
			if hasMax && len(s) > maxLen {
				return FailSubKey(subkey, "value for key %s is longer than max length of %d", subkey, maxLen)
			}
			return nil
		}
		if keys != nil {
			for _, subkey := range keys {
				v, ok := value[subkey]
				if !ok {
					if required {
						return FailSubKey(subkey, "required key %s is missing", subkey)
					}
					continue
				}
				if fail := check(subkey, v); fail != nil {
					return fail
				}
			}
			return nil
		}
		for subkey, v := range value {
			if fail := check(subkey, v); fail != nil {
				return fail
			}
		}
		return nil
	}, nil
}

func rangeCheck(params map[string]any) (gte, lte float64, hasGTE, hasLTE bool, err error) {
	gte, hasGTE, err = paramFloat(params, "gte")
	if err != nil {
		return
	}
	lte, hasLTE, err = paramFloat(params, "lte")
	if err != nil {
		return
	}
	if hasGTE && hasLTE && gte > lte {
		err = fmt.Errorf("gte must be <= lte")
	}
	return
}

// BuildInt validates that listed sub-keys hold integer values within an
// optional [gte, lte] range.
func BuildInt(params map[string]any) (ValidatorFunc, error) {
	keys, err := paramKeys(params)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("int validator requires keys")
	}
	gte, lte, hasGTE, hasLTE, err := rangeCheck(params)
	if err != nil {
		return nil, err
	}
	required, _ := params["required"].(bool)
	return func(_ string, value domain.MetadataValue) *Failure {
		for _, subkey := range keys {
			raw, ok := value[subkey]
			if !ok {
				if required {
					return FailSubKey(subkey, "required key %s is missing", subkey)
				}
				continue
			}
			var n int64
			switch v := raw.(type) {
			case int:
				n = int64(v)
			case int64:
				n = v
			case float64:
				if v != float64(int64(v)) {
					return FailSubKey(subkey, "value for key %s is not an integer", subkey)
				}
				n = int64(v)
			default:
				return FailSubKey(subkey, "value for key %s is not an integer", subkey)
			}
			if hasGTE && float64(n) < gte {
				return FailSubKey(subkey, "value for key %s must be >= %v", subkey, gte)
			}
			if hasLTE && float64(n) > lte {
				return FailSubKey(subkey, "value for key %s must be <= %v", subkey, lte)
			}
		}
		return nil
	}, nil
}

// BuildNumber validates that listed sub-keys hold numeric values within an
// optional [gte, lte] range.
func BuildNumber(params map[string]any) (ValidatorFunc, error) {
	keys, err := paramKeys(params)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("number validator requires keys")
	}
	gte, lte, hasGTE, hasLTE, err := rangeCheck(params)
	if err != nil {
		return nil, err
	}
	required, _ := params["required"].(bool)
	return func(_ string, value domain.MetadataValue) *Failure {
		for _, subkey := range keys {
			raw, ok := value[subkey]
			if !ok {
				if required {
					return FailSubKey(subkey, "required key %s is missing", subkey)
				}
				continue
			}
			var n float64
			switch v := raw.(type) {
			case int:
				n = float64(v)
			case int64:
				n = float64(v)
			case float64:
				n = v
			default:
				return FailSubKey(subkey, "value for key %s is not a number", subkey)
			}
			if hasGTE && n < gte {
				return FailSubKey(subkey, "value for key %s must be >= %v", subkey, gte)
			}
			if hasLTE && n > lte {
				return FailSubKey(subkey, "value for key %s must be <= %v", subkey, lte)
			}
		}
		return nil
	}, nil
}

// BuildUnits validates that a sub-key holds a unit expression dimensionally
// interchangeable with the declared canonical units. Parameters: "key" names
// the sub-key holding the unit string; "units" is the canonical expression,
// for example "mg" or "g/L".
func BuildUnits(params map[string]any) (ValidatorFunc, error) {
	key, ok := params["key"].(string)
	if !ok || key == "" {
		return nil, fmt.Errorf("units validator requires key")
	}
	canonical, ok := params["units"].(string)
	if !ok || canonical == "" {
		return nil, fmt.Errorf("units validator requires units")
	}
	want, err := parseUnits(canonical)
	if err != nil {
		return nil, fmt.Errorf("units parameter: %w", err)
	}
	return func(_ string, value domain.MetadataValue) *Failure {
		raw, ok := value[key]
		if !ok {
			return FailSubKey(key, "required key %s is missing", key)
		}
		s, ok := raw.(string)
		if !ok {
			return FailSubKey(key, "value for key %s is not a unit string", key)
		}
		got, err := parseUnits(s)
		if err != nil {
			return FailSubKey(key, "unable to parse units %s at key %s: %v", s, key, err)
		}
		if got != want {
			return FailSubKey(key, "units %s at key %s are not equivalent to %s", s, key, canonical)
		}
		return nil
	}, nil
}

// BuildEnum validates that listed sub-keys (default: all) hold one of the
// allowed values.
func BuildEnum(params map[string]any) (ValidatorFunc, error) {
	rawAllowed, ok := params["allowed-values"]
	if !ok {
		return nil, fmt.Errorf("enum validator requires allowed-values")
	}
	list, ok := rawAllowed.([]any)
	if !ok {
		return nil, fmt.Errorf("allowed-values must be a list of primitives")
	}
	allowed := make(map[any]struct{}, len(list))
	for _, v := range list {
		switch v.(type) {
		case string, int, int64, float64, bool:
			allowed[v] = struct{}{}
		default:
			return nil, fmt.Errorf("allowed-values must contain only primitives")
		}
	}
	keys, err := paramKeys(params)
	if err != nil {
		return nil, err
	}
	return func(_ string, value domain.MetadataValue) *Failure {
		check := func(subkey string, v any) *Failure {
			if _, ok := allowed[v]; !ok {
				return FailSubKey(subkey, "value for key %s is not in the allowed list of values", subkey)
			}
			return nil
		}
		if keys != nil {
			for _, subkey := range keys {
				if v, ok := value[subkey]; ok {
					if fail := check(subkey, v); fail != nil {
						return fail
					}
				}
			}
			return nil
		}
		for subkey, v := range value {
			if fail := check(subkey, v); fail != nil {
				return fail
			}
		}
		return nil
	}, nil
}
