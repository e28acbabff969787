// Package core implements the samples service: the orchestration hub that
// composes permission checks, metadata validation, versioned sample storage,
// and data-link lifecycle over external identity, workspace, and
// notification collaborators.
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"samplecore/pkg/domain"
	"samplecore/pkg/metadata"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// maxACLUpdateAttempts bounds the retry loop around owner-change races on
// full ACL replacement. Exceeding it indicates a pathological workload, not
// a normal business condition, and is reported as a generic fatal error.
const maxACLUpdateAttempts = 5

const defaultCallTimeout = 30 * time.Second

// Samples is the sample metadata service.
type Samples struct {
	storage     Storage
	validators  *metadata.ValidatorSet
	users       UserLookup
	workspace   WorkspaceAccess
	notifier    Notifier
	logger      Logger
	metrics     MetricsRecorder
	now         func() time.Time
	newSampleID func() uuid.UUID
	newLinkID   func() string
	callTimeout time.Duration
}

// Option configures a Samples service.
type Option func(*Samples)

// WithLogger installs a structured logger.
func WithLogger(logger Logger) Option {
	return func(s *Samples) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics installs a metrics recorder.
func WithMetrics(rec MetricsRecorder) Option {
	return func(s *Samples) {
		if rec != nil {
			s.metrics = rec
		}
	}
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Samples) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSampleIDSource overrides sample id generation, mainly for tests.
func WithSampleIDSource(fn func() uuid.UUID) Option {
	return func(s *Samples) {
		if fn != nil {
			s.newSampleID = fn
		}
	}
}

// WithLinkIDSource overrides link id generation, mainly for tests.
func WithLinkIDSource(fn func() string) Option {
	return func(s *Samples) {
		if fn != nil {
			s.newLinkID = fn
		}
	}
}

// WithExternalCallTimeout bounds identity, workspace, and notification
// calls.
func WithExternalCallTimeout(d time.Duration) Option {
	return func(s *Samples) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

// NewSamples constructs the service. Storage, validators, and the three
// collaborators are required.
func NewSamples(storage Storage, validators *metadata.ValidatorSet, users UserLookup,
	workspace WorkspaceAccess, notifier Notifier, opts ...Option) (*Samples, error) {
	if storage == nil || validators == nil || users == nil || workspace == nil || notifier == nil {
		return nil, fmt.Errorf("storage, validators, users, workspace, and notifier are required")
	}
	s := &Samples{
		storage:     storage,
		validators:  validators,
		users:       users,
		workspace:   workspace,
		notifier:    notifier,
		logger:      noopLogger{},
		metrics:     noopMetrics{},
		now:         func() time.Time { return time.Now().UTC() },
		newSampleID: uuid.New,
		newLinkID:   func() string { return ulid.Make().String() },
		callTimeout: defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Samples) observe(ctx context.Context, op string, start time.Time, err error) {
	s.metrics.Observe(ctx, op, err == nil, time.Since(start))
}

func (s *Samples) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.callTimeout)
}

func accessDenialPhrase(level AccessLevel) string {
	switch level {
	case AccessRead:
		return "cannot read"
	case AccessWrite:
		return "cannot write to"
	case AccessAdmin:
		return "cannot administrate"
	case AccessOwner:
		return "does not own"
	}
	return "cannot access"
}

// checkSampleAccess fetches the sample's ACL and verifies the user holds at
// least the required level. asAdmin bypasses the level check but still
// surfaces missing samples.
func (s *Samples) checkSampleAccess(ctx context.Context, id uuid.UUID, user UserID,
	required AccessLevel, asAdmin bool) (ACL, error) {
	acl, err := s.storage.GetSampleACLs(ctx, id)
	if err != nil {
		return ACL{}, err
	}
	if asAdmin || acl.Level(user) >= required {
		return acl, nil
	}
	return ACL{}, domain.Errorf(domain.CodeUnauthorized,
		"User %s %s sample %s", user, accessDenialPhrase(required), id)
}

// ensureUsersExist batch-checks the users against the identity service.
// Invalid-token failures propagate unchanged; they are fatal to the request.
func (s *Samples) ensureUsersExist(ctx context.Context, users []UserID) error {
	if len(users) == 0 {
		return nil
	}
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	bad, err := s.users.InvalidUsers(cctx, users)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return err
		}
		return fmt.Errorf("look up users: %w", err)
	}
	if len(bad) > 0 {
		names := make([]string, len(bad))
		for i, u := range bad {
			names[i] = string(u)
		}
		return domain.Errorf(domain.CodeNoSuchUser, "%s", strings.Join(names, ", "))
	}
	return nil
}

func errMessage(err error) string {
	var de *domain.Error
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}

// SaveSample validates and persists a sample. Without an id a new sample is
// created at version 1; with an id a new version is appended, requiring
// write access (unless asAdmin) and honoring the optional priorVersion
// optimistic-concurrency precondition. When the returned id is set alongside
// a non-nil error, the save committed but the new-version notification
// failed.
func (s *Samples) SaveSample(ctx context.Context, sample Sample, user UserID, id *uuid.UUID,
	priorVersion *int, asAdmin bool) (sid uuid.UUID, version int, err error) {
	defer func(start time.Time) { s.observe(ctx, "save_sample", start, err) }(time.Now())
	if user == "" {
		return uuid.Nil, 0, domain.NewError(domain.CodeMissingParameter, "user")
	}
	for i, node := range sample.Nodes {
		if verr := s.validators.Validate(node.ControlledMetadata); verr != nil {
			return uuid.Nil, 0, domain.Errorf(domain.CodeMetadataValidation,
				"Node at index %d: %s", i, errMessage(verr))
		}
	}
	if id == nil {
		return s.saveNewSample(ctx, sample, user)
	}
	if _, err := s.checkSampleAccess(ctx, *id, user, AccessWrite, asAdmin); err != nil {
		return uuid.Nil, 0, err
	}
	saved, err := domain.NewSavedSample(sample, *id, user, s.now(), 1)
	if err != nil {
		return uuid.Nil, 0, err
	}
	ver, err := s.storage.SaveSampleVersion(ctx, saved, priorVersion)
	if err != nil {
		return uuid.Nil, 0, err
	}
	return *id, ver, s.notifyNewVersion(ctx, *id, ver)
}

func (s *Samples) saveNewSample(ctx context.Context, sample Sample, user UserID) (uuid.UUID, int, error) {
	// Ids are random; a collision means another request created the same id
	// concurrently and the save is rejected, not overwritten. Two rejects in
	// a row indicate something far worse than bad luck.
	for attempt := 0; attempt < 2; attempt++ {
		id := s.newSampleID()
		saved, err := domain.NewSavedSample(sample, id, user, s.now(), 1)
		if err != nil {
			return uuid.Nil, 0, err
		}
		stored, err := s.storage.SaveSample(ctx, saved)
		if err != nil {
			return uuid.Nil, 0, err
		}
		if stored {
			return id, 1, s.notifyNewVersion(ctx, id, 1)
		}
		s.logger.Warn("sample id collision on first save", "id", id.String())
	}
	return uuid.Nil, 0, fmt.Errorf("repeated sample id collisions on first save")
}

func (s *Samples) notifyNewVersion(ctx context.Context, id uuid.UUID, version int) error {
	nctx, cancel := s.callCtx(ctx)
	defer cancel()
	if err := s.notifier.NewSampleVersion(nctx, id, version); err != nil {
		s.logger.Error("new sample version notification failed",
			"id", id.String(), "version", version, "err", err)
		return fmt.Errorf("sample %s version %d was saved but the notification failed: %w", id, version, err)
	}
	return nil
}

func (s *Samples) notifyACLChange(ctx context.Context, id uuid.UUID) error {
	nctx, cancel := s.callCtx(ctx)
	defer cancel()
	if err := s.notifier.ACLChange(nctx, id); err != nil {
		s.logger.Error("acl change notification failed", "id", id.String(), "err", err)
		return fmt.Errorf("ACLs for sample %s were updated but the notification failed: %w", id, err)
	}
	return nil
}

// GetSample returns the sample at the given version (latest when nil),
// requiring read access.
func (s *Samples) GetSample(ctx context.Context, id uuid.UUID, user UserID, version *int,
	asAdmin bool) (sample SavedSample, err error) {
	defer func(start time.Time) { s.observe(ctx, "get_sample", start, err) }(time.Now())
	if version != nil && *version < 1 {
		return SavedSample{}, domain.Errorf(domain.CodeIllegalParameter, "version must be > 0")
	}
	if _, err := s.checkSampleAccess(ctx, id, user, AccessRead, asAdmin); err != nil {
		return SavedSample{}, err
	}
	return s.storage.GetSample(ctx, id, version)
}

// GetSampleACLs returns the sample's ACLs, requiring read access.
func (s *Samples) GetSampleACLs(ctx context.Context, id uuid.UUID, user UserID,
	asAdmin bool) (acl ACL, err error) {
	defer func(start time.Time) { s.observe(ctx, "get_sample_acls", start, err) }(time.Now())
	return s.checkSampleAccess(ctx, id, user, AccessRead, asAdmin)
}

// ReplaceSampleACLs replaces the sample's ACLs wholesale, preserving the
// owner. It requires admin access and retries owner-change races with a
// refetch before each attempt, bounded at maxACLUpdateAttempts.
func (s *Samples) ReplaceSampleACLs(ctx context.Context, id uuid.UUID, user UserID,
	acls ACLOwnerless, asAdmin bool) (err error) {
	defer func(start time.Time) { s.observe(ctx, "replace_sample_acls", start, err) }(time.Now())
	var named []UserID
	named = append(named, acls.Admin...)
	named = append(named, acls.Write...)
	named = append(named, acls.Read...)
	if err := s.ensureUsersExist(ctx, named); err != nil {
		return err
	}
	for attempt := 1; attempt <= maxACLUpdateAttempts; attempt++ {
		acl, err := s.checkSampleAccess(ctx, id, user, AccessAdmin, asAdmin)
		if err != nil {
			return err
		}
		full, err := domain.NewACL(acl.Owner, s.now(), acls)
		if err != nil {
			return err
		}
		err = s.storage.ReplaceSampleACLs(ctx, id, full)
		var oce domain.OwnerChangedError
		if errors.As(err, &oce) {
			s.logger.Warn("sample owner changed during acl replacement, retrying",
				"id", id.String(), "attempt", attempt, "owner", string(oce.Owner))
			continue
		}
		if err != nil {
			return err
		}
		return s.notifyACLChange(ctx, id)
	}
	return fmt.Errorf("failed setting ACLs after %d attempts for sample %s", maxACLUpdateAttempts, id)
}

// UpdateSampleACLs applies a delta update atomically at the storage layer,
// requiring admin access. The storage skips no-op deltas; a notification
// fires only when the ACLs actually changed.
func (s *Samples) UpdateSampleACLs(ctx context.Context, id uuid.UUID, user UserID,
	delta ACLDelta, asAdmin bool) (err error) {
	defer func(start time.Time) { s.observe(ctx, "update_sample_acls", start, err) }(time.Now())
	if _, err := s.checkSampleAccess(ctx, id, user, AccessAdmin, asAdmin); err != nil {
		return err
	}
	if err := s.ensureUsersExist(ctx, delta.Users()); err != nil {
		return err
	}
	changed, err := s.storage.UpdateSampleACLs(ctx, id, delta, s.now())
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return s.notifyACLChange(ctx, id)
}

// CreateDataLink links a workspace data unit to a sample node. Linking
// grants transitive read access to the sample, so it requires admin access
// to the sample, plus write access to the workspace object (existence only
// when asAdmin). With update set, an existing active link from the same data
// unit to a different target is expired atomically.
func (s *Samples) CreateDataLink(ctx context.Context, user UserID, duid DataUnitID,
	node SampleNodeAddress, update, asAdmin bool) (link DataLink, err error) {
	defer func(start time.Time) { s.observe(ctx, "create_data_link", start, err) }(time.Now())
	if user == "" {
		return DataLink{}, domain.NewError(domain.CodeMissingParameter, "user")
	}
	if _, err := s.checkSampleAccess(ctx, node.ID, user, AccessAdmin, asAdmin); err != nil {
		return DataLink{}, err
	}
	wsLevel := ObjectWrite
	if asAdmin {
		wsLevel = ObjectExists
	}
	wctx, cancel := s.callCtx(ctx)
	defer cancel()
	if err := s.workspace.HasObjectPermission(wctx, user, wsLevel, duid.UPA); err != nil {
		return DataLink{}, err
	}
	link, err = domain.NewDataLink(s.newLinkID(), duid, node, s.now(), user)
	if err != nil {
		return DataLink{}, err
	}
	expired, err := s.storage.CreateDataLink(ctx, link, update)
	if err != nil {
		return DataLink{}, err
	}
	// Both events fire even when one notification fails; downstream
	// consumers rely on seeing the expiry alongside the replacement.
	notifyErr := s.notifyNewLink(ctx, link.ID)
	if expired != nil {
		notifyErr = errors.Join(notifyErr, s.notifyExpiredLink(ctx, expired.ID))
	}
	return link, notifyErr
}

func (s *Samples) notifyNewLink(ctx context.Context, linkID string) error {
	nctx, cancel := s.callCtx(ctx)
	defer cancel()
	if err := s.notifier.NewDataLink(nctx, linkID); err != nil {
		s.logger.Error("new link notification failed", "link", linkID, "err", err)
		return fmt.Errorf("link %s was created but the notification failed: %w", linkID, err)
	}
	return nil
}

func (s *Samples) notifyExpiredLink(ctx context.Context, linkID string) error {
	nctx, cancel := s.callCtx(ctx)
	defer cancel()
	if err := s.notifier.ExpiredDataLink(nctx, linkID); err != nil {
		s.logger.Error("expired link notification failed", "link", linkID, "err", err)
		return fmt.Errorf("link %s was expired but the notification failed: %w", linkID, err)
	}
	return nil
}

// ExpireDataLink closes the active link from the data unit. It requires
// write access to the workspace object (existence only when asAdmin) and
// admin access to the sample the existing link points at. The expiry is
// keyed by the link's immutable id, fetched here, so a new link created
// concurrently from the same data unit is never expired by mistake.
func (s *Samples) ExpireDataLink(ctx context.Context, user UserID, duid DataUnitID,
	asAdmin bool) (link DataLink, err error) {
	defer func(start time.Time) { s.observe(ctx, "expire_data_link", start, err) }(time.Now())
	if user == "" {
		return DataLink{}, domain.NewError(domain.CodeMissingParameter, "user")
	}
	wsLevel := ObjectWrite
	if asAdmin {
		wsLevel = ObjectExists
	}
	wctx, cancel := s.callCtx(ctx)
	defer cancel()
	if err := s.workspace.HasObjectPermission(wctx, user, wsLevel, duid.UPA); err != nil {
		return DataLink{}, err
	}
	current, err := s.storage.GetDataLinkByDUID(ctx, duid)
	if err != nil {
		return DataLink{}, err
	}
	if _, err := s.checkSampleAccess(ctx, current.Node.ID, user, AccessAdmin, asAdmin); err != nil {
		return DataLink{}, err
	}
	expired, err := s.storage.ExpireDataLink(ctx, s.now(), user, current.ID)
	if err != nil {
		return DataLink{}, err
	}
	return expired, s.notifyExpiredLink(ctx, expired.ID)
}

// GetLinksFromSample returns the links from one sample version that were
// active at the effective time (now when nil), requiring read access on the
// sample. Unless asAdmin, links into workspaces the user cannot read are
// filtered out. The effective time used is returned for client pagination.
func (s *Samples) GetLinksFromSample(ctx context.Context, user UserID, addr SampleAddress,
	at *time.Time, asAdmin bool) (links []DataLink, effective time.Time, err error) {
	defer func(start time.Time) { s.observe(ctx, "get_links_from_sample", start, err) }(time.Now())
	effective = s.now()
	if at != nil {
		effective = at.UTC()
	}
	if _, err := s.checkSampleAccess(ctx, addr.ID, user, AccessRead, asAdmin); err != nil {
		return nil, time.Time{}, err
	}
	links, err = s.storage.GetLinksFromSample(ctx, addr, effective)
	if err != nil {
		return nil, time.Time{}, err
	}
	if asAdmin {
		return links, effective, nil
	}
	links, err = s.filterLinksByWorkspace(ctx, user, links)
	if err != nil {
		return nil, time.Time{}, err
	}
	return links, effective, nil
}

// GetBatchLinksFromSampleSet returns active links for a set of sample
// versions, with one readable-workspace fetch shared across the batch.
func (s *Samples) GetBatchLinksFromSampleSet(ctx context.Context, user UserID,
	addrs []SampleAddress, at *time.Time, asAdmin bool) (links []DataLink, effective time.Time, err error) {
	defer func(start time.Time) { s.observe(ctx, "get_batch_links_from_sample_set", start, err) }(time.Now())
	effective = s.now()
	if at != nil {
		effective = at.UTC()
	}
	for _, addr := range addrs {
		if _, err := s.checkSampleAccess(ctx, addr.ID, user, AccessRead, asAdmin); err != nil {
			return nil, time.Time{}, err
		}
	}
	for _, addr := range addrs {
		batch, err := s.storage.GetLinksFromSample(ctx, addr, effective)
		if err != nil {
			return nil, time.Time{}, err
		}
		links = append(links, batch...)
	}
	if asAdmin {
		return links, effective, nil
	}
	links, err = s.filterLinksByWorkspace(ctx, user, links)
	if err != nil {
		return nil, time.Time{}, err
	}
	return links, effective, nil
}

func (s *Samples) filterLinksByWorkspace(ctx context.Context, user UserID,
	links []DataLink) ([]DataLink, error) {
	if len(links) == 0 {
		return links, nil
	}
	wctx, cancel := s.callCtx(ctx)
	defer cancel()
	wsids, err := s.workspace.UserWorkspaces(wctx, user)
	if err != nil {
		return nil, fmt.Errorf("list user workspaces: %w", err)
	}
	readable := make(map[int64]struct{}, len(wsids))
	for _, id := range wsids {
		readable[id] = struct{}{}
	}
	out := links[:0]
	for _, link := range links {
		if _, ok := readable[link.DUID.UPA.WsID]; ok {
			out = append(out, link)
		}
	}
	return out, nil
}

// GetSampleViaData returns a sample version reachable from a workspace
// object the user can read. Read access on the object plus a known active
// link is sufficient; no sample ACL check is made.
func (s *Samples) GetSampleViaData(ctx context.Context, user UserID, upa UPA,
	addr SampleAddress) (sample SavedSample, err error) {
	defer func(start time.Time) { s.observe(ctx, "get_sample_via_data", start, err) }(time.Now())
	wctx, cancel := s.callCtx(ctx)
	defer cancel()
	if err := s.workspace.HasObjectPermission(wctx, user, ObjectRead, upa); err != nil {
		return SavedSample{}, err
	}
	linked, err := s.storage.HasDataLink(ctx, upa, addr.ID)
	if err != nil {
		return SavedSample{}, err
	}
	if !linked {
		return SavedSample{}, domain.Errorf(domain.CodeNoSuchDataLink,
			"There is no link from UPA %s to sample %s", upa, addr.ID)
	}
	version := addr.Version
	return s.storage.GetSample(ctx, addr.ID, &version)
}

// ValidateSamples dry-runs controlled metadata validation over a batch of
// unsaved samples, collecting all findings and never touching storage.
func (s *Samples) ValidateSamples(ctx context.Context, samples []Sample) (findings []metadata.Finding) {
	defer func(start time.Time) { s.observe(ctx, "validate_samples", start, nil) }(time.Now())
	for _, sample := range samples {
		for _, node := range sample.Nodes {
			batch := s.validators.ValidateDetail(node.ControlledMetadata)
			for i := range batch {
				batch[i].Node = node.Name
				batch[i].SampleName = sample.Name
			}
			findings = append(findings, batch...)
		}
	}
	return findings
}

// KeyMetadata exposes validator-declared metadata for exact keys.
func (s *Samples) KeyMetadata(keys []string) (map[string]map[string]any, error) {
	return s.validators.KeyMetadata(keys)
}

// PrefixKeyMetadata exposes validator-declared metadata for prefix keys.
func (s *Samples) PrefixKeyMetadata(keys []string, exact bool) (map[string]map[string]any, error) {
	return s.validators.PrefixKeyMetadata(keys, exact)
}

// Ping verifies storage connectivity.
func (s *Samples) Ping(ctx context.Context) error {
	return s.storage.Ping(ctx)
}
