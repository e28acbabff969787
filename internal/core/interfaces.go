package core

import (
	"context"
	"errors"
	"time"

	"samplecore/pkg/domain"

	"github.com/google/uuid"
)

// ErrInvalidToken signals that the identity service rejected the supplied
// token. It is never retried; an invalid token cannot become valid within
// a request.
var ErrInvalidToken = errors.New("identity service reported an invalid token")

// AdminRole is the service-administration level the identity service
// reports for a token.
type AdminRole int

// Administration levels.
const (
	AdminNone AdminRole = iota
	AdminRead
	AdminFull
)

// UserLookup resolves principals against the external identity service.
type UserLookup interface {
	// IsAdmin reports the administration role granted to the token's user
	// along with the resolved username. An invalid token fails with a
	// wrapped ErrInvalidToken.
	IsAdmin(ctx context.Context, token string) (AdminRole, domain.UserID, error)
	// InvalidUsers returns the subset of the given users that do not
	// exist. Syntactically invalid usernames fail with an error.
	InvalidUsers(ctx context.Context, users []domain.UserID) ([]domain.UserID, error)
}

// ObjectAccess is the permission level requested against a workspace
// object. ObjectExists checks presence without any permission.
type ObjectAccess int

// Workspace object access levels.
const (
	ObjectExists ObjectAccess = iota
	ObjectRead
	ObjectWrite
	ObjectAdmin
)

// WorkspaceAccess checks permissions against the external workspace
// service.
type WorkspaceAccess interface {
	// HasObjectPermission fails with an Unauthorized domain error when the
	// user lacks the level on the object, or NoSuchWorkspaceData when the
	// object is missing or deleted.
	HasObjectPermission(ctx context.Context, user domain.UserID, level ObjectAccess, upa domain.UPA) error
	// UserWorkspaces lists the workspace ids the user can read.
	UserWorkspaces(ctx context.Context, user domain.UserID) ([]int64, error)
}

// Notifier publishes domain events. Failures surface synchronously to the
// triggering caller; sends are never silently dropped.
type Notifier interface {
	NewSampleVersion(ctx context.Context, id uuid.UUID, version int) error
	ACLChange(ctx context.Context, id uuid.UUID) error
	NewDataLink(ctx context.Context, linkID string) error
	ExpiredDataLink(ctx context.Context, linkID string) error
}

// Storage is the versioned, graph-backed persistence engine consumed by the
// samples service. Implementations coordinate concurrent writers only
// through the optimistic version preconditions described on each method.
type Storage interface {
	// SaveSample performs the first save of a sample id at version 1.
	// Returns false without error when the id already exists: callers
	// pre-generate random ids, so a collision is an expected reject.
	SaveSample(ctx context.Context, sample domain.SavedSample) (bool, error)
	// SaveSampleVersion appends a new version to an existing sample and
	// returns the assigned version. When priorVersion is supplied the
	// write fails with a Concurrency domain error unless the sample's
	// current version equals it.
	SaveSampleVersion(ctx context.Context, sample domain.SavedSample, priorVersion *int) (int, error)
	// GetSample returns the sample at the given version, or the latest
	// version when version is nil.
	GetSample(ctx context.Context, id uuid.UUID, version *int) (domain.SavedSample, error)
	GetSampleACLs(ctx context.Context, id uuid.UUID) (domain.ACL, error)
	// ReplaceSampleACLs overwrites the ACL, keeping the owner. The ACL's
	// owner field is the owner the caller observed; a mismatch with the
	// stored owner fails with domain.OwnerChangedError.
	ReplaceSampleACLs(ctx context.Context, id uuid.UUID, acl domain.ACL) error
	// UpdateSampleACLs applies a delta atomically, skipping the write when
	// the delta is a no-op. Returns whether the ACL changed.
	UpdateSampleACLs(ctx context.Context, id uuid.UUID, delta domain.ACLDelta, updateTime time.Time) (bool, error)
	// CreateDataLink stores an active link. With update set, an existing
	// active link from the same data unit to a different target is expired
	// atomically and returned.
	CreateDataLink(ctx context.Context, link domain.DataLink, update bool) (*domain.DataLink, error)
	GetDataLink(ctx context.Context, id string) (domain.DataLink, error)
	// GetDataLinkByDUID returns the single active link from the data unit.
	GetDataLinkByDUID(ctx context.Context, duid domain.DataUnitID) (domain.DataLink, error)
	// ExpireDataLink closes the link with the given immutable id.
	ExpireDataLink(ctx context.Context, expired time.Time, by domain.UserID, linkID string) (domain.DataLink, error)
	// GetLinksFromSample returns the links from the sample version that
	// were active at the given instant.
	GetLinksFromSample(ctx context.Context, addr domain.SampleAddress, at time.Time) ([]domain.DataLink, error)
	// HasDataLink reports whether any active link connects the workspace
	// object to any version of the sample.
	HasDataLink(ctx context.Context, upa domain.UPA, sampleID uuid.UUID) (bool, error)
	Ping(ctx context.Context) error
}
