package core

import "samplecore/pkg/domain"

type (
	UserID            = domain.UserID
	UPA               = domain.UPA
	DataUnitID        = domain.DataUnitID
	SampleAddress     = domain.SampleAddress
	SampleNodeAddress = domain.SampleNodeAddress
	Sample            = domain.Sample
	SampleNode        = domain.SampleNode
	SavedSample       = domain.SavedSample
	DataLink          = domain.DataLink
	ACL               = domain.ACL
	ACLOwnerless      = domain.ACLOwnerless
	ACLDelta          = domain.ACLDelta
	AccessLevel       = domain.AccessLevel
)

const (
	AccessNone  = domain.AccessNone
	AccessRead  = domain.AccessRead
	AccessWrite = domain.AccessWrite
	AccessAdmin = domain.AccessAdmin
	AccessOwner = domain.AccessOwner
)
