package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func strptr(s string) *string { return &s }

func mustNode(t *testing.T, name string, typ NodeType, parent *string) SampleNode {
	t.Helper()
	node, err := NewSampleNode(name, typ, parent, nil, nil, nil)
	if err != nil {
		t.Fatalf("build node %s: %v", name, err)
	}
	return node
}

func TestNewSampleNodeInvariants(t *testing.T) {
	if _, err := NewSampleNode("", BioReplicate, nil, nil, nil, nil); !IsCode(err, CodeMissingParameter) {
		t.Fatalf("expected missing parameter for empty name, got %v", err)
	}
	if _, err := NewSampleNode(strings.Repeat("n", 256), BioReplicate, nil, nil, nil, nil); !IsCode(err, CodeIllegalParameter) {
		t.Fatalf("expected illegal parameter for long name, got %v", err)
	}
	if _, err := NewSampleNode("a\tb", BioReplicate, nil, nil, nil, nil); !IsCode(err, CodeIllegalParameter) {
		t.Fatalf("expected illegal parameter for control chars, got %v", err)
	}
	if _, err := NewSampleNode("root", BioReplicate, strptr("x"), nil, nil, nil); !IsCode(err, CodeIllegalParameter) {
		t.Fatalf("BioReplicate with parent must fail, got %v", err)
	}
	if _, err := NewSampleNode("leaf", TechReplicate, nil, nil, nil, nil); !IsCode(err, CodeIllegalParameter) {
		t.Fatalf("TechReplicate without parent must fail, got %v", err)
	}
	if _, err := NewSampleNode("n", NodeType("Bogus"), nil, nil, nil, nil); !IsCode(err, CodeIllegalParameter) {
		t.Fatalf("unknown type must fail, got %v", err)
	}
}

func TestNewSampleNodeMetadata(t *testing.T) {
	md := Metadata{"temp": {"value": 1.5, "units": "K"}}
	node, err := NewSampleNode("root", BioReplicate, nil, md,
		Metadata{"note": {"text": "hi"}},
		[]SourceMetadata{{Key: "temp", SourceKey: "Temperature", SourceValue: MetadataValue{"v": "1.5K"}}})
	if err != nil {
		t.Fatalf("build node: %v", err)
	}
	md["temp"]["value"] = 99.0
	if node.ControlledMetadata["temp"]["value"] != 1.5 {
		t.Fatalf("metadata must be copied on construction")
	}

	_, err = NewSampleNode("root", BioReplicate, nil, Metadata{"k": {"v": []string{"no"}}}, nil, nil)
	if !IsCode(err, CodeIllegalParameter) {
		t.Fatalf("non-primitive metadata value must fail, got %v", err)
	}
	_, err = NewSampleNode("root", BioReplicate, nil, Metadata{"k": {}}, nil, nil)
	if !IsCode(err, CodeIllegalParameter) {
		t.Fatalf("empty value mapping must fail, got %v", err)
	}
	_, err = NewSampleNode("root", BioReplicate, nil, nil, nil,
		[]SourceMetadata{{Key: "missing", SourceKey: "m", SourceValue: MetadataValue{"v": 1}}})
	if !IsCode(err, CodeIllegalParameter) {
		t.Fatalf("source metadata without controlled key must fail, got %v", err)
	}
}

func TestNewSampleTreeInvariants(t *testing.T) {
	root := mustNode(t, "root", BioReplicate, nil)
	root2 := mustNode(t, "root2", BioReplicate, nil)
	tech := mustNode(t, "tech", TechReplicate, strptr("root"))

	if _, err := NewSample(nil, ""); !IsCode(err, CodeMissingParameter) {
		t.Fatalf("empty node list must fail, got %v", err)
	}
	if _, err := NewSample([]SampleNode{tech}, ""); !IsCode(err, CodeIllegalParameter) {
		t.Fatalf("first node must be a BioReplicate, got %v", err)
	}
	if _, err := NewSample([]SampleNode{root, tech, root2}, ""); !IsCode(err, CodeIllegalParameter) {
		t.Fatalf("BioReplicate after non-BioReplicate must fail, got %v", err)
	}
	if _, err := NewSample([]SampleNode{root, root}, ""); !IsCode(err, CodeIllegalParameter) {
		t.Fatalf("duplicate node names must fail, got %v", err)
	}
	orphan := mustNode(t, "orphan", SubSample, strptr("nope"))
	if _, err := NewSample([]SampleNode{root, orphan}, ""); !IsCode(err, CodeIllegalParameter) {
		t.Fatalf("unknown parent must fail, got %v", err)
	}
	late := mustNode(t, "late", SubSample, strptr("tech2"))
	tech2 := mustNode(t, "tech2", TechReplicate, strptr("root"))
	if _, err := NewSample([]SampleNode{root, late, tech2}, ""); !IsCode(err, CodeIllegalParameter) {
		t.Fatalf("parent must appear before the node, got %v", err)
	}

	sample, err := NewSample([]SampleNode{root, root2, tech}, "study 7")
	if err != nil {
		t.Fatalf("build sample: %v", err)
	}
	if _, ok := sample.Node("tech"); !ok {
		t.Fatalf("expected node lookup to succeed")
	}
	if _, ok := sample.Node("nope"); ok {
		t.Fatalf("expected node lookup to fail")
	}
}

func TestNewSavedSample(t *testing.T) {
	root := mustNode(t, "root", BioReplicate, nil)
	sample, err := NewSample([]SampleNode{root}, "")
	if err != nil {
		t.Fatalf("build sample: %v", err)
	}
	id := uuid.New()
	now := time.Now()
	saved, err := NewSavedSample(sample, id, "alice", now, 1)
	if err != nil {
		t.Fatalf("build saved sample: %v", err)
	}
	if saved.Address() != (SampleAddress{ID: id, Version: 1}) {
		t.Fatalf("unexpected address %v", saved.Address())
	}
	if _, err := NewSavedSample(sample, uuid.Nil, "alice", now, 1); !IsCode(err, CodeMissingParameter) {
		t.Fatalf("nil id must fail, got %v", err)
	}
	if _, err := NewSavedSample(sample, id, "alice", now, 0); !IsCode(err, CodeIllegalParameter) {
		t.Fatalf("version 0 must fail, got %v", err)
	}
}

func TestDataLinkLifecycle(t *testing.T) {
	upa, err := NewUPA(5, 6, 1)
	if err != nil {
		t.Fatalf("build upa: %v", err)
	}
	duid, err := NewDataUnitID(upa, "column2")
	if err != nil {
		t.Fatalf("build duid: %v", err)
	}
	node, err := NewSampleNodeAddress(uuid.New(), 1, "root")
	if err != nil {
		t.Fatalf("build node address: %v", err)
	}
	created := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	link, err := NewDataLink("link-1", duid, node, created, "alice")
	if err != nil {
		t.Fatalf("build link: %v", err)
	}
	if !link.Active() {
		t.Fatalf("new link must be active")
	}
	if _, err := link.WithExpiry(created.Add(-time.Second), "bob"); !IsCode(err, CodeIllegalParameter) {
		t.Fatalf("expiry before creation must fail, got %v", err)
	}
	expired, err := link.WithExpiry(created.Add(time.Hour), "bob")
	if err != nil {
		t.Fatalf("expire link: %v", err)
	}
	if expired.Active() || expired.ExpiredBy == nil || *expired.ExpiredBy != "bob" {
		t.Fatalf("expected closed link, got %+v", expired)
	}
	if !link.Active() {
		t.Fatalf("WithExpiry must not mutate the receiver")
	}
}
