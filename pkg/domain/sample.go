package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	maxNodeNameLen   = 255
	maxSampleNameLen = 255
	maxMetadataKey   = 256
)

// NodeType identifies the role of a node within a sample tree.
type NodeType string

// Canonical node types. BioReplicate nodes are tree roots; the others hang
// off an earlier node.
const (
	BioReplicate  NodeType = "BioReplicate"
	TechReplicate NodeType = "TechReplicate"
	SubSample     NodeType = "SubSample"
)

func (t NodeType) valid() bool {
	switch t {
	case BioReplicate, TechReplicate, SubSample:
		return true
	}
	return false
}

// MetadataValue maps a metadata sub-key to a primitive value
// (string, int, int64, float64, or bool).
type MetadataValue map[string]any

// Metadata maps a controlled or user metadata key to its value mapping.
type Metadata map[string]MetadataValue

func checkMetadata(name string, md Metadata) error {
	for key, value := range md {
		if err := checkString(name+" key", key, maxMetadataKey); err != nil {
			return err
		}
		if len(value) == 0 {
			return Errorf(CodeIllegalParameter, "%s key %s has no value mapping", name, key)
		}
		for subkey, v := range value {
			if err := checkString(fmt.Sprintf("%s value key under key %s", name, key), subkey, maxMetadataKey); err != nil {
				return err
			}
			switch v.(type) {
			case string, int, int64, float64, bool:
			default:
				return Errorf(CodeIllegalParameter,
					"%s key %s value key %s is not a primitive type", name, key, subkey)
			}
		}
	}
	return nil
}

func cloneMetadataValue(value MetadataValue) MetadataValue {
	if value == nil {
		return nil
	}
	cp := make(MetadataValue, len(value))
	for subkey, v := range value {
		cp[subkey] = v
	}
	return cp
}

func cloneMetadata(md Metadata) Metadata {
	if md == nil {
		return nil
	}
	out := make(Metadata, len(md))
	for key, value := range md {
		out[key] = cloneMetadataValue(value)
	}
	return out
}

// SourceMetadata records the provenance of one controlled metadata key: the
// key and value as they appeared at the original data source before
// transformation into the controlled vocabulary.
type SourceMetadata struct {
	Key         string        `json:"key"`
	SourceKey   string        `json:"skey"`
	SourceValue MetadataValue `json:"svalue"`
}

// SampleNode is one node in a sample tree. Constructed once, immutable
// thereafter.
type SampleNode struct {
	Name               string           `json:"name"`
	Type               NodeType         `json:"type"`
	Parent             *string          `json:"parent,omitempty"`
	ControlledMetadata Metadata         `json:"meta_controlled,omitempty"`
	UserMetadata       Metadata         `json:"meta_user,omitempty"`
	SourceMetadata     []SourceMetadata `json:"meta_source,omitempty"`
}

// NewSampleNode validates and builds a sample node. BioReplicate nodes must
// not have a parent; TechReplicate and SubSample nodes must.
func NewSampleNode(name string, typ NodeType, parent *string, controlled, user Metadata,
	source []SourceMetadata) (SampleNode, error) {
	if err := checkString("node name", name, maxNodeNameLen); err != nil {
		return SampleNode{}, err
	}
	if !typ.valid() {
		return SampleNode{}, Errorf(CodeIllegalParameter, "unknown node type %q", typ)
	}
	if typ == BioReplicate && parent != nil {
		return SampleNode{}, Errorf(CodeIllegalParameter,
			"node %s is a BioReplicate and therefore cannot have a parent", name)
	}
	if typ != BioReplicate && parent == nil {
		return SampleNode{}, Errorf(CodeIllegalParameter,
			"node %s is a %s and therefore must have a parent", name, typ)
	}
	if parent != nil {
		if err := checkString("parent", *parent, maxNodeNameLen); err != nil {
			return SampleNode{}, err
		}
	}
	if err := checkMetadata("controlled metadata", controlled); err != nil {
		return SampleNode{}, err
	}
	if err := checkMetadata("user metadata", user); err != nil {
		return SampleNode{}, err
	}
	for i, sm := range source {
		if err := checkString(fmt.Sprintf("source metadata %d key", i), sm.Key, maxMetadataKey); err != nil {
			return SampleNode{}, err
		}
		if err := checkString(fmt.Sprintf("source metadata %d source key", i), sm.SourceKey, maxMetadataKey); err != nil {
			return SampleNode{}, err
		}
		if _, ok := controlled[sm.Key]; !ok {
			return SampleNode{}, Errorf(CodeIllegalParameter,
				"source metadata key %s does not appear in the controlled metadata", sm.Key)
		}
	}
	node := SampleNode{
		Name:               name,
		Type:               typ,
		ControlledMetadata: cloneMetadata(controlled),
		UserMetadata:       cloneMetadata(user),
	}
	if parent != nil {
		p := *parent
		node.Parent = &p
	}
	if len(source) > 0 {
		node.SourceMetadata = make([]SourceMetadata, len(source))
		for i, sm := range source {
			node.SourceMetadata[i] = SourceMetadata{
				Key:         sm.Key,
				SourceKey:   sm.SourceKey,
				SourceValue: cloneMetadataValue(sm.SourceValue),
			}
		}
	}
	return node, nil
}

// Sample is a named, ordered forest of nodes awaiting its first save. Every
// BioReplicate is a root and all roots precede non-root nodes.
type Sample struct {
	Name  string       `json:"name,omitempty"`
	Nodes []SampleNode `json:"nodes"`
}

// NewSample validates the forest invariants and builds a sample.
func NewSample(nodes []SampleNode, name string) (Sample, error) {
	if len(nodes) == 0 {
		return Sample{}, NewError(CodeMissingParameter, "sample requires at least one node")
	}
	if name != "" {
		if err := checkString("sample name", name, maxSampleNameLen); err != nil {
			return Sample{}, err
		}
	}
	seen := make(map[string]struct{}, len(nodes))
	inBioBlock := true
	for i, node := range nodes {
		if node.Type == BioReplicate {
			if !inBioBlock {
				return Sample{}, Errorf(CodeIllegalParameter,
					"BioReplicate node %s at index %d appears after non-BioReplicate nodes", node.Name, i)
			}
		} else {
			inBioBlock = false
		}
		if _, dup := seen[node.Name]; dup {
			return Sample{}, Errorf(CodeIllegalParameter, "duplicate node name %s", node.Name)
		}
		if node.Parent != nil {
			if _, ok := seen[*node.Parent]; !ok {
				return Sample{}, Errorf(CodeIllegalParameter,
					"parent %s of node %s does not appear in the sample before the node", *node.Parent, node.Name)
			}
		}
		seen[node.Name] = struct{}{}
	}
	if nodes[0].Type != BioReplicate {
		return Sample{}, Errorf(CodeIllegalParameter,
			"the first node in a sample must be a BioReplicate")
	}
	return Sample{Name: name, Nodes: append([]SampleNode(nil), nodes...)}, nil
}

// Node returns the named node, if present.
func (s Sample) Node(name string) (SampleNode, bool) {
	for _, node := range s.Nodes {
		if node.Name == name {
			return node, true
		}
	}
	return SampleNode{}, false
}

// SavedSample is a sample committed to storage: id assigned at first save,
// version assigned by the storage engine, both immutable once committed.
type SavedSample struct {
	Sample
	ID       uuid.UUID `json:"id"`
	User     UserID    `json:"user"`
	SaveTime time.Time `json:"savetime"`
	Version  int       `json:"version"`
}

// NewSavedSample validates the saved-sample envelope around an already valid
// sample.
func NewSavedSample(sample Sample, id uuid.UUID, user UserID, savetime time.Time, version int) (SavedSample, error) {
	if id == uuid.Nil {
		return SavedSample{}, NewError(CodeMissingParameter, "sample id")
	}
	if user == "" {
		return SavedSample{}, NewError(CodeMissingParameter, "user")
	}
	if savetime.IsZero() {
		return SavedSample{}, NewError(CodeMissingParameter, "savetime")
	}
	if version < 1 {
		return SavedSample{}, Errorf(CodeIllegalParameter, "version must be > 0")
	}
	return SavedSample{Sample: sample, ID: id, User: user, SaveTime: savetime.UTC(), Version: version}, nil
}

// Address returns the sample's id/version address.
func (s SavedSample) Address() SampleAddress {
	return SampleAddress{ID: s.ID, Version: s.Version}
}

// DataLink is a directed, time-bounded edge from a data unit to a sample
// node. Links are never deleted; expiry closes them logically.
type DataLink struct {
	ID        string            `json:"id"`
	DUID      DataUnitID        `json:"duid"`
	Node      SampleNodeAddress `json:"node"`
	Created   time.Time         `json:"created"`
	CreatedBy UserID            `json:"created_by"`
	Expired   *time.Time        `json:"expired,omitempty"`
	ExpiredBy *UserID           `json:"expired_by,omitempty"`
}

// NewDataLink validates and builds an active link.
func NewDataLink(id string, duid DataUnitID, node SampleNodeAddress, created time.Time, createdBy UserID) (DataLink, error) {
	if id == "" {
		return DataLink{}, NewError(CodeMissingParameter, "link id")
	}
	if created.IsZero() {
		return DataLink{}, NewError(CodeMissingParameter, "created")
	}
	if createdBy == "" {
		return DataLink{}, NewError(CodeMissingParameter, "created_by")
	}
	return DataLink{ID: id, DUID: duid, Node: node, Created: created.UTC(), CreatedBy: createdBy}, nil
}

// Active reports whether the link has not been expired.
func (l DataLink) Active() bool {
	return l.Expired == nil
}

// WithExpiry returns a copy of the link closed at the given instant. The
// expiry must not precede creation.
func (l DataLink) WithExpiry(expired time.Time, by UserID) (DataLink, error) {
	if expired.Before(l.Created) {
		return DataLink{}, Errorf(CodeIllegalParameter, "expired time must be >= created time")
	}
	if by == "" {
		return DataLink{}, NewError(CodeMissingParameter, "expired_by")
	}
	cp := l
	e := expired.UTC()
	cp.Expired = &e
	cp.ExpiredBy = &by
	return cp, nil
}
