package metadata

import (
	"testing"

	"samplecore/pkg/domain"
)

func build(t *testing.T, name string, params map[string]any) ValidatorFunc {
	t.Helper()
	fn, err := DefaultRegistry().Build(name, params)
	if err != nil {
		t.Fatalf("build %s: %v", name, err)
	}
	return fn
}

func TestRegistryResolution(t *testing.T) {
	reg := DefaultRegistry()
	if _, err := reg.Build("bogus", nil); !domain.IsCode(err, domain.CodeIllegalParameter) {
		t.Fatalf("unknown builder must fail, got %v", err)
	}
	if _, err := reg.BuildPrefix("noop", nil); err != nil {
		t.Fatalf("noop prefix builder: %v", err)
	}
	if err := reg.Register("noop", BuildNoop); !domain.IsCode(err, domain.CodeIllegalParameter) {
		t.Fatalf("duplicate registration must fail, got %v", err)
	}
	exact, prefix := reg.Names()
	if len(exact) != 6 || len(prefix) != 1 {
		t.Fatalf("unexpected registry contents: %v %v", exact, prefix)
	}
}

func TestNoopBuilder(t *testing.T) {
	fn := build(t, "noop", nil)
	if fail := fn("any", domain.MetadataValue{"weird": "value"}); fail != nil {
		t.Fatalf("noop must pass everything, got %+v", fail)
	}
}

func TestStringBuilder(t *testing.T) {
	if _, err := DefaultRegistry().Build("string", nil); err == nil {
		t.Fatalf("string builder requires max-len or keys")
	}
	fn := build(t, "string", map[string]any{"max-len": 5})
	if fail := fn("k", domain.MetadataValue{"v": "short"}); fail != nil {
		t.Fatalf("expected pass, got %+v", fail)
	}
	if fail := fn("k", domain.MetadataValue{"v": "toolong"}); fail == nil || fail.SubKey != "v" {
		t.Fatalf("expected max-len failure on v, got %+v", fail)
	}
	if fail := fn("k", domain.MetadataValue{"v": 7}); fail == nil {
		t.Fatalf("expected non-string failure")
	}

	fn = build(t, "string", map[string]any{"keys": []any{"name"}, "required": true})
	if fail := fn("k", domain.MetadataValue{"other": "x"}); fail == nil || fail.SubKey != "name" {
		t.Fatalf("expected required-key failure, got %+v", fail)
	}
	if fail := fn("k", domain.MetadataValue{"name": "x", "other": 3}); fail != nil {
		t.Fatalf("unchecked keys must be ignored, got %+v", fail)
	}
}

func TestIntBuilder(t *testing.T) {
	fn := build(t, "int", map[string]any{"keys": []any{"value"}, "gte": 0, "lte": 100})
	if fail := fn("k", domain.MetadataValue{"value": 50}); fail != nil {
		t.Fatalf("expected pass, got %+v", fail)
	}
	if fail := fn("k", domain.MetadataValue{"value": 101}); fail == nil {
		t.Fatalf("expected range failure")
	}
	if fail := fn("k", domain.MetadataValue{"value": 1.5}); fail == nil {
		t.Fatalf("expected non-integer failure")
	}
	if fail := fn("k", domain.MetadataValue{"value": float64(7)}); fail != nil {
		t.Fatalf("integral float must pass, got %+v", fail)
	}
	if _, err := DefaultRegistry().Build("int", map[string]any{"keys": []any{"v"}, "gte": 10, "lte": 1}); err == nil {
		t.Fatalf("inverted range must fail")
	}
}

func TestNumberBuilder(t *testing.T) {
	fn := build(t, "number", map[string]any{"keys": []any{"value"}, "gte": -1.5})
	if fail := fn("k", domain.MetadataValue{"value": -1.5}); fail != nil {
		t.Fatalf("boundary must pass, got %+v", fail)
	}
	if fail := fn("k", domain.MetadataValue{"value": -2.0}); fail == nil {
		t.Fatalf("expected range failure")
	}
	if fail := fn("k", domain.MetadataValue{"value": "nope"}); fail == nil {
		t.Fatalf("expected non-number failure")
	}
}

func TestEnumBuilder(t *testing.T) {
	fn := build(t, "enum", map[string]any{"allowed-values": []any{"red", "green"}})
	if fail := fn("k", domain.MetadataValue{"v": "red"}); fail != nil {
		t.Fatalf("expected pass, got %+v", fail)
	}
	if fail := fn("k", domain.MetadataValue{"v": "blue"}); fail == nil || fail.SubKey != "v" {
		t.Fatalf("expected enum failure, got %+v", fail)
	}
	if _, err := DefaultRegistry().Build("enum", nil); err == nil {
		t.Fatalf("enum requires allowed-values")
	}
	if _, err := DefaultRegistry().Build("enum", map[string]any{"allowed-values": []any{[]string{"x"}}}); err == nil {
		t.Fatalf("non-primitive allowed values must fail")
	}
}

func TestUnitsBuilder(t *testing.T) {
	fn := build(t, "units", map[string]any{"key": "units", "units": "mg"})
	for _, ok := range []string{"mg", "g", "kg", "ug"} {
		if fail := fn("k", domain.MetadataValue{"units": ok}); fail != nil {
			t.Fatalf("%s must be interchangeable with mg, got %+v", ok, fail)
		}
	}
	if fail := fn("k", domain.MetadataValue{"units": "mL"}); fail == nil || fail.SubKey != "units" {
		t.Fatalf("expected dimension mismatch for mL, got %+v", fail)
	}
	if fail := fn("k", domain.MetadataValue{"units": "grobnars"}); fail == nil {
		t.Fatalf("expected parse failure for unknown unit")
	}
	if fail := fn("k", domain.MetadataValue{"units": 42}); fail == nil {
		t.Fatalf("expected failure for non-string unit value")
	}
	if fail := fn("k", domain.MetadataValue{"other": "mg"}); fail == nil || fail.SubKey != "units" {
		t.Fatalf("expected missing-key failure, got %+v", fail)
	}
}

func TestUnitsBuilderCompoundExpressions(t *testing.T) {
	fn := build(t, "units", map[string]any{"key": "units", "units": "g/L"})
	for _, ok := range []string{"mg/mL", "kg/L", "g L^-1"} {
		if fail := fn("k", domain.MetadataValue{"units": ok}); fail != nil {
			t.Fatalf("%s must be interchangeable with g/L, got %+v", ok, fail)
		}
	}
	if fail := fn("k", domain.MetadataValue{"units": "g"}); fail == nil {
		t.Fatalf("expected dimension mismatch between g and g/L")
	}

	fn = build(t, "units", map[string]any{"key": "units", "units": "mg/kg/day"})
	if fail := fn("k", domain.MetadataValue{"units": "ug/g/h"}); fail != nil {
		t.Fatalf("mg/kg/day and ug/g/h must match, got %+v", fail)
	}
}

func TestUnitsBuilderParams(t *testing.T) {
	if _, err := DefaultRegistry().Build("units", map[string]any{"units": "mg"}); err == nil {
		t.Fatalf("units builder requires key")
	}
	if _, err := DefaultRegistry().Build("units", map[string]any{"key": "units"}); err == nil {
		t.Fatalf("units builder requires units")
	}
	if _, err := DefaultRegistry().Build("units", map[string]any{"key": "units", "units": "grobnars"}); err == nil {
		t.Fatalf("unparseable canonical units must fail at build time")
	}
}
