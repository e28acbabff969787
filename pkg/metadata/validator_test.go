package metadata

import (
	"strings"
	"testing"

	"samplecore/pkg/domain"
)

func passFunc(_ string, _ domain.MetadataValue) *Failure { return nil }

func failFunc(msg string) ValidatorFunc {
	return func(_ string, _ domain.MetadataValue) *Failure { return Fail("%s", msg) }
}

func prefixPass(_, _ string, _ domain.MetadataValue) *Failure { return nil }

func mustValidator(t *testing.T, key string, funcs ...ValidatorFunc) Validator {
	t.Helper()
	v, err := NewValidator(key, nil, funcs...)
	if err != nil {
		t.Fatalf("build validator %s: %v", key, err)
	}
	return v
}

func mustPrefixValidator(t *testing.T, prefix string, funcs ...PrefixValidatorFunc) Validator {
	t.Helper()
	v, err := NewPrefixValidator(prefix, nil, funcs...)
	if err != nil {
		t.Fatalf("build prefix validator %s: %v", prefix, err)
	}
	return v
}

func mustSet(t *testing.T, validators ...Validator) *ValidatorSet {
	t.Helper()
	set, err := NewValidatorSet(validators...)
	if err != nil {
		t.Fatalf("build validator set: %v", err)
	}
	return set
}

func TestValidatorSetRejectsDuplicates(t *testing.T) {
	_, err := NewValidatorSet(mustValidator(t, "temp", passFunc), mustValidator(t, "temp", passFunc))
	if !domain.IsCode(err, domain.CodeIllegalParameter) {
		t.Fatalf("expected illegal parameter for duplicate key, got %v", err)
	}
	_, err = NewValidatorSet(mustPrefixValidator(t, "env:", prefixPass), mustPrefixValidator(t, "env:", prefixPass))
	if !domain.IsCode(err, domain.CodeIllegalParameter) {
		t.Fatalf("expected illegal parameter for duplicate prefix, got %v", err)
	}
}

func TestValidateUnknownKey(t *testing.T) {
	set := mustSet(t, mustValidator(t, "temp", passFunc))
	err := set.Validate(domain.Metadata{"humidity": {"value": 40}})
	if !domain.IsCode(err, domain.CodeMetadataValidation) {
		t.Fatalf("expected metadata validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "humidity") {
		t.Fatalf("error must mention the offending key: %v", err)
	}
	findings := set.ValidateDetail(domain.Metadata{"humidity": {"value": 40}, "temp": {"value": 1}})
	if len(findings) != 1 || findings[0].Key != "humidity" {
		t.Fatalf("expected one unknown-key finding, got %+v", findings)
	}
}

func TestValidateChainOrderAndFailFast(t *testing.T) {
	var calls []string
	record := func(name string, fail bool) ValidatorFunc {
		return func(_ string, _ domain.MetadataValue) *Failure {
			calls = append(calls, name)
			if fail {
				return Fail("%s rejected", name)
			}
			return nil
		}
	}
	set := mustSet(t, mustValidator(t, "temp", record("first", false), record("second", true), record("third", false)))
	err := set.Validate(domain.Metadata{"temp": {"value": 1}})
	if !domain.IsCode(err, domain.CodeMetadataValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "Key temp: second rejected") {
		t.Fatalf("unexpected message: %v", err)
	}
	if len(calls) != 2 || calls[0] != "first" || calls[1] != "second" {
		t.Fatalf("chain must run in order and stop at first failure: %v", calls)
	}
}

func TestValidateDetailCollectsAll(t *testing.T) {
	set := mustSet(t,
		mustValidator(t, "a", failFunc("bad a")),
		mustValidator(t, "b", failFunc("bad b")),
	)
	findings := set.ValidateDetail(domain.Metadata{"a": {"v": 1}, "b": {"v": 2}})
	if len(findings) != 2 {
		t.Fatalf("expected two findings, got %+v", findings)
	}
	// run() sorts keys, so order is deterministic.
	if findings[0].Key != "a" || findings[1].Key != "b" {
		t.Fatalf("unexpected finding order: %+v", findings)
	}
	if findings[0].Message != "Key a: bad a" || findings[0].DevMessage != "bad a" {
		t.Fatalf("unexpected finding content: %+v", findings[0])
	}
}

func TestPrefixValidatorsAllMatchShortestFirst(t *testing.T) {
	var seen []string
	record := func(fail bool) PrefixValidatorFunc {
		return func(prefix, key string, _ domain.MetadataValue) *Failure {
			seen = append(seen, prefix+"|"+key)
			if fail {
				return Fail("prefix %s rejected", prefix)
			}
			return nil
		}
	}
	set := mustSet(t,
		mustPrefixValidator(t, "env:temp", record(false)),
		mustPrefixValidator(t, "env", record(false)),
		mustPrefixValidator(t, "other", record(false)),
	)
	if err := set.Validate(domain.Metadata{"env:temperature": {"v": 1}}); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(seen) != 2 || seen[0] != "env|env:temperature" || seen[1] != "env:temp|env:temperature" {
		t.Fatalf("expected all matching prefixes shortest first, got %v", seen)
	}
}

func TestPrefixValidatorFailureMessage(t *testing.T) {
	set := mustSet(t, mustPrefixValidator(t, "env", func(prefix, key string, _ domain.MetadataValue) *Failure {
		return Fail("no good")
	}))
	err := set.Validate(domain.Metadata{"env:temp": {"v": 1}})
	if err == nil || !strings.Contains(err.Error(), "Prefix validator env, key env:temp: no good") {
		t.Fatalf("unexpected prefix failure message: %v", err)
	}
}

func TestEmptyPrefixChainDoesNotCoverKey(t *testing.T) {
	set := mustSet(t, mustPrefixValidator(t, "env"))
	err := set.Validate(domain.Metadata{"env:temp": {"v": 1}})
	if !domain.IsCode(err, domain.CodeMetadataValidation) {
		t.Fatalf("a prefix with no callables must not cover the key, got %v", err)
	}
}

func TestKeyMetadataLookups(t *testing.T) {
	exact, err := NewValidator("temp", map[string]any{"units": "K"}, passFunc)
	if err != nil {
		t.Fatalf("build validator: %v", err)
	}
	short, err := NewPrefixValidator("env", map[string]any{"source": "envstore", "tier": 1}, prefixPass)
	if err != nil {
		t.Fatalf("build prefix validator: %v", err)
	}
	long, err := NewPrefixValidator("env:t", map[string]any{"tier": 2}, prefixPass)
	if err != nil {
		t.Fatalf("build prefix validator: %v", err)
	}
	set := mustSet(t, exact, short, long)

	meta, err := set.KeyMetadata([]string{"temp"})
	if err != nil || meta["temp"]["units"] != "K" {
		t.Fatalf("key metadata lookup failed: %v %v", meta, err)
	}
	if _, err := set.KeyMetadata([]string{"nope"}); !domain.IsCode(err, domain.CodeIllegalParameter) {
		t.Fatalf("unknown key metadata must fail, got %v", err)
	}

	pm, err := set.PrefixKeyMetadata([]string{"env"}, true)
	if err != nil || pm["env"]["source"] != "envstore" {
		t.Fatalf("exact prefix metadata lookup failed: %v %v", pm, err)
	}
	if _, err := set.PrefixKeyMetadata([]string{"env:t"}, true); err != nil {
		t.Fatalf("exact prefix metadata for env:t failed: %v", err)
	}
	if _, err := set.PrefixKeyMetadata([]string{"env:temp"}, true); !domain.IsCode(err, domain.CodeIllegalParameter) {
		t.Fatalf("exact mode requires a registered prefix, got %v", err)
	}

	pm, err = set.PrefixKeyMetadata([]string{"env:temp"}, false)
	if err != nil {
		t.Fatalf("ancestor prefix metadata lookup failed: %v", err)
	}
	if pm["env:temp"]["source"] != "envstore" {
		t.Fatalf("expected union to include shorter prefix metadata: %v", pm)
	}
	if pm["env:temp"]["tier"] != 2 {
		t.Fatalf("longer prefix metadata must win conflicts: %v", pm)
	}
	if _, err := set.PrefixKeyMetadata([]string{"unrelated"}, false); !domain.IsCode(err, domain.CodeIllegalParameter) {
		t.Fatalf("no matching prefixes must fail, got %v", err)
	}
}

func TestSetKeyListings(t *testing.T) {
	set := mustSet(t,
		mustValidator(t, "b", passFunc),
		mustValidator(t, "a", passFunc),
		mustPrefixValidator(t, "z", prefixPass),
		mustPrefixValidator(t, "y", prefixPass),
	)
	keys := set.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("unexpected keys %v", keys)
	}
	prefixes := set.PrefixKeys()
	if len(prefixes) != 2 || prefixes[0] != "y" || prefixes[1] != "z" {
		t.Fatalf("unexpected prefixes %v", prefixes)
	}
}
