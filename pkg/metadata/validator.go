// Package metadata implements the controlled-vocabulary validation engine:
// per-key and per-prefix validator chains dispatched through a prefix trie,
// with fail-fast and collect-all reporting modes.
package metadata

import (
	"fmt"
	"sort"

	"samplecore/pkg/domain"
)

// Failure is the outcome of a validator that rejected a value. A nil
// *Failure means the value passed.
type Failure struct {
	Message string
	SubKey  string
}

// Fail builds a validation failure.
func Fail(format string, args ...any) *Failure {
	return &Failure{Message: fmt.Sprintf(format, args...)}
}

// FailSubKey builds a validation failure tied to one sub-key of the value.
func FailSubKey(subkey, format string, args ...any) *Failure {
	return &Failure{Message: fmt.Sprintf(format, args...), SubKey: subkey}
}

// ValidatorFunc checks one exact metadata key's value mapping.
type ValidatorFunc func(key string, value domain.MetadataValue) *Failure

// PrefixValidatorFunc checks a key matched by a registered prefix. It
// receives both the matched prefix and the full key.
type PrefixValidatorFunc func(prefix, key string, value domain.MetadataValue) *Failure

// Validator binds an ordered chain of validator callables to either an exact
// metadata key or a key prefix (never both), plus opaque key metadata exposed
// through the introspection API.
type Validator struct {
	key         string
	prefix      bool
	funcs       []ValidatorFunc
	prefixFuncs []PrefixValidatorFunc
	meta        map[string]any
}

// NewValidator builds an exact-key validator.
func NewValidator(key string, meta map[string]any, funcs ...ValidatorFunc) (Validator, error) {
	if key == "" {
		return Validator{}, domain.NewError(domain.CodeMissingParameter, "validator key")
	}
	return Validator{key: key, funcs: funcs, meta: cloneMeta(meta)}, nil
}

// NewPrefixValidator builds a prefix-key validator.
func NewPrefixValidator(prefix string, meta map[string]any, funcs ...PrefixValidatorFunc) (Validator, error) {
	if prefix == "" {
		return Validator{}, domain.NewError(domain.CodeMissingParameter, "validator prefix")
	}
	return Validator{key: prefix, prefix: true, prefixFuncs: funcs, meta: cloneMeta(meta)}, nil
}

// Key returns the exact key or prefix the validator is registered under.
func (v Validator) Key() string { return v.key }

// IsPrefix reports whether the validator matches by prefix.
func (v Validator) IsPrefix() bool { return v.prefix }

// Metadata returns a copy of the validator's opaque key metadata.
func (v Validator) Metadata() map[string]any { return cloneMeta(v.meta) }

func cloneMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	cp := make(map[string]any, len(meta))
	for k, v := range meta {
		cp[k] = v
	}
	return cp
}

// Finding is one structured validation result collected in detail mode.
type Finding struct {
	Message    string `json:"message"`
	DevMessage string `json:"dev_message,omitempty"`
	Key        string `json:"key,omitempty"`
	SubKey     string `json:"subkey,omitempty"`
	Node       string `json:"node,omitempty"`
	SampleName string `json:"sample_name,omitempty"`
}

// ValidatorSet is an immutable index of validators: exact keys by map,
// prefix keys by trie.
type ValidatorSet struct {
	exact map[string]*Validator
	keys  []string
	trie  *prefixTrie
}

// NewValidatorSet indexes the supplied validators, rejecting duplicate exact
// keys and duplicate prefixes.
func NewValidatorSet(validators ...Validator) (*ValidatorSet, error) {
	set := &ValidatorSet{exact: make(map[string]*Validator), trie: newPrefixTrie()}
	for i := range validators {
		v := validators[i]
		if v.prefix {
			if !set.trie.insert(v.key, &v) {
				return nil, domain.Errorf(domain.CodeIllegalParameter,
					"duplicate metadata validator prefix %s", v.key)
			}
			continue
		}
		if _, dup := set.exact[v.key]; dup {
			return nil, domain.Errorf(domain.CodeIllegalParameter,
				"duplicate metadata validator key %s", v.key)
		}
		set.exact[v.key] = &v
		set.keys = append(set.keys, v.key)
	}
	sort.Strings(set.keys)
	return set, nil
}

// Keys returns the registered exact keys, sorted.
func (s *ValidatorSet) Keys() []string {
	return append([]string(nil), s.keys...)
}

// PrefixKeys returns the registered prefixes, sorted.
func (s *ValidatorSet) PrefixKeys() []string {
	var out []string
	s.trie.walk(func(v *Validator) { out = append(out, v.key) })
	sort.Strings(out)
	return out
}

// KeyMetadata returns the opaque metadata declared for each exact key.
// Unregistered keys fail with an illegal parameter error.
func (s *ValidatorSet) KeyMetadata(keys []string) (map[string]map[string]any, error) {
	out := make(map[string]map[string]any, len(keys))
	for _, key := range keys {
		v, ok := s.exact[key]
		if !ok {
			return nil, domain.Errorf(domain.CodeIllegalParameter, "no such metadata key: %s", key)
		}
		out[key] = v.Metadata()
	}
	return out, nil
}

// PrefixKeyMetadata returns metadata for prefix validators. In exact mode
// each queried key must equal a registered prefix. Otherwise each key
// collects the union of metadata from every registered prefix that is a
// prefix of it, failing when none match; longer prefixes win key conflicts.
func (s *ValidatorSet) PrefixKeyMetadata(keys []string, exact bool) (map[string]map[string]any, error) {
	out := make(map[string]map[string]any, len(keys))
	for _, key := range keys {
		if exact {
			v, ok := s.trie.get(key)
			if !ok {
				return nil, domain.Errorf(domain.CodeIllegalParameter, "no such prefix metadata key: %s", key)
			}
			out[key] = v.Metadata()
			continue
		}
		matches := s.trie.ancestors(key)
		if len(matches) == 0 {
			return nil, domain.Errorf(domain.CodeIllegalParameter, "no prefix metadata keys matching key %s", key)
		}
		merged := make(map[string]any)
		for _, v := range matches {
			for mk, mv := range v.meta {
				merged[mk] = mv
			}
		}
		out[key] = merged
	}
	return out, nil
}

// Validate checks metadata in fail-fast mode: the first failing key aborts
// with a coded MetadataValidation error.
func (s *ValidatorSet) Validate(md domain.Metadata) error {
	findings := s.run(md, true)
	if len(findings) == 0 {
		return nil
	}
	return domain.NewError(domain.CodeMetadataValidation, findings[0].Message)
}

// ValidateDetail checks metadata in collect-all mode, returning one finding
// per failure across every key. Validation failures never raise here.
func (s *ValidatorSet) ValidateDetail(md domain.Metadata) []Finding {
	return s.run(md, false)
}

func (s *ValidatorSet) run(md domain.Metadata, failFast bool) []Finding {
	var findings []Finding
	keys := make([]string, 0, len(md))
	for key := range md {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := md[key]
		exact, hasExact := s.exact[key]
		prefixMatches := s.matchingPrefixes(key)
		if !hasExact && len(prefixMatches) == 0 {
			findings = append(findings, Finding{
				Message:    fmt.Sprintf("No validator available for metadata key %s", key),
				DevMessage: fmt.Sprintf("no exact or prefix validator registered for key %s", key),
				Key:        key,
			})
			if failFast {
				return findings
			}
			continue
		}
		if hasExact {
			for _, fn := range exact.funcs {
				if fail := fn(key, value); fail != nil {
					findings = append(findings, Finding{
						Message:    fmt.Sprintf("Key %s: %s", key, fail.Message),
						DevMessage: fail.Message,
						Key:        key,
						SubKey:     fail.SubKey,
					})
					if failFast {
						return findings
					}
					break
				}
			}
		}
		for _, pv := range prefixMatches {
			for _, fn := range pv.prefixFuncs {
				if fail := fn(pv.key, key, value); fail != nil {
					findings = append(findings, Finding{
						Message:    fmt.Sprintf("Prefix validator %s, key %s: %s", pv.key, key, fail.Message),
						DevMessage: fail.Message,
						Key:        key,
						SubKey:     fail.SubKey,
					})
					if failFast {
						return findings
					}
					break
				}
			}
		}
	}
	return findings
}

// matchingPrefixes returns prefix validators applicable to key, shortest
// prefix first, skipping registrations with empty chains (a prefix with no
// callables does not count as coverage for the key).
func (s *ValidatorSet) matchingPrefixes(key string) []*Validator {
	var out []*Validator
	for _, v := range s.trie.ancestors(key) {
		if len(v.prefixFuncs) > 0 {
			out = append(out, v)
		}
	}
	return out
}
