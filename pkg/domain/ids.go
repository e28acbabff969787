// Package domain defines the core value objects, sample model, ACLs, and
// error taxonomy for the sample metadata service.
package domain

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	maxUserIDLen = 256
	maxDataIDLen = 256
)

// UserID is an opaque, validated identifier for a principal. Ordering is
// plain string comparison.
type UserID string

// NewUserID validates and returns a user identifier.
func NewUserID(id string) (UserID, error) {
	if err := checkString("userid", id, maxUserIDLen); err != nil {
		return "", err
	}
	return UserID(id), nil
}

func checkString(name, value string, maxLen int) error {
	if strings.TrimSpace(value) == "" {
		return Errorf(CodeMissingParameter, "%s", name)
	}
	if len(value) > maxLen {
		return Errorf(CodeIllegalParameter, "%s exceeds maximum length of %d", name, maxLen)
	}
	if pos := controlCharPos(value); pos >= 0 {
		return Errorf(CodeIllegalParameter, "%s contains control characters", name)
	}
	return nil
}

func controlCharPos(s string) int {
	for i, r := range s {
		if r < 0x20 || r == 0x7f {
			return i
		}
	}
	return -1
}

// UPA locates a workspace object: workspace id, object id, object version.
type UPA struct {
	WsID     int64 `json:"wsid"`
	ObjectID int64 `json:"objid"`
	Version  int64 `json:"ver"`
}

// NewUPA validates the three coordinates, all of which must be positive.
func NewUPA(wsid, objid, ver int64) (UPA, error) {
	if wsid < 1 || objid < 1 || ver < 1 {
		return UPA{}, Errorf(CodeIllegalParameter, "%d/%d/%d is not a valid UPA", wsid, objid, ver)
	}
	return UPA{WsID: wsid, ObjectID: objid, Version: ver}, nil
}

// ParseUPA parses the canonical ws/obj/ver form.
func ParseUPA(s string) (UPA, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return UPA{}, Errorf(CodeIllegalParameter, "%s is not a valid UPA", s)
	}
	var nums [3]int64
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return UPA{}, Errorf(CodeIllegalParameter, "%s is not a valid UPA", s)
		}
		nums[i] = n
	}
	return NewUPA(nums[0], nums[1], nums[2])
}

func (u UPA) String() string {
	return fmt.Sprintf("%d/%d/%d", u.WsID, u.ObjectID, u.Version)
}

// DataUnitID addresses the unit a data link originates from: a workspace
// object plus an optional sub-object data id. An empty DataID means the link
// refers to the whole object.
type DataUnitID struct {
	UPA    UPA    `json:"upa"`
	DataID string `json:"dataid,omitempty"`
}

// NewDataUnitID validates a data unit identifier.
func NewDataUnitID(upa UPA, dataID string) (DataUnitID, error) {
	if _, err := NewUPA(upa.WsID, upa.ObjectID, upa.Version); err != nil {
		return DataUnitID{}, err
	}
	if dataID != "" {
		if len(dataID) > maxDataIDLen {
			return DataUnitID{}, Errorf(CodeIllegalParameter, "dataid exceeds maximum length of %d", maxDataIDLen)
		}
		if controlCharPos(dataID) >= 0 {
			return DataUnitID{}, Errorf(CodeIllegalParameter, "dataid contains control characters")
		}
	}
	return DataUnitID{UPA: upa, DataID: dataID}, nil
}

func (d DataUnitID) String() string {
	if d.DataID == "" {
		return d.UPA.String()
	}
	return d.UPA.String() + ":" + d.DataID
}

// SampleAddress identifies one committed sample version.
type SampleAddress struct {
	ID      uuid.UUID `json:"id"`
	Version int       `json:"version"`
}

// NewSampleAddress validates a sample address; versions start at 1.
func NewSampleAddress(id uuid.UUID, version int) (SampleAddress, error) {
	if id == uuid.Nil {
		return SampleAddress{}, Errorf(CodeMissingParameter, "sample id")
	}
	if version < 1 {
		return SampleAddress{}, Errorf(CodeIllegalParameter, "version must be > 0")
	}
	return SampleAddress{ID: id, Version: version}, nil
}

func (a SampleAddress) String() string {
	return fmt.Sprintf("%s:%d", a.ID, a.Version)
}

// SampleNodeAddress identifies one node within a committed sample version.
type SampleNodeAddress struct {
	SampleAddress
	Node string `json:"node"`
}

// NewSampleNodeAddress validates a node address.
func NewSampleNodeAddress(id uuid.UUID, version int, node string) (SampleNodeAddress, error) {
	addr, err := NewSampleAddress(id, version)
	if err != nil {
		return SampleNodeAddress{}, err
	}
	if err := checkString("node", node, maxNodeNameLen); err != nil {
		return SampleNodeAddress{}, err
	}
	return SampleNodeAddress{SampleAddress: addr, Node: node}, nil
}

func (a SampleNodeAddress) String() string {
	return fmt.Sprintf("%s:%d:%s", a.ID, a.Version, a.Node)
}
