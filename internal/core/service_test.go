package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"samplecore/pkg/domain"
	"samplecore/pkg/metadata"

	"github.com/google/uuid"
)

var testTime = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

type fakeStorage struct {
	acls            map[uuid.UUID]domain.ACL
	samples         map[uuid.UUID]domain.SavedSample
	linksByDUID     map[string]domain.DataLink
	linksByID       map[string]domain.DataLink
	saveStoredSeq   []bool
	savedVersions   []domain.SavedSample
	replacedACLs    []domain.ACL
	replaceErrs     []error
	updateChanged   bool
	expiredOnCreate *domain.DataLink
	hasLink         bool
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		acls:        make(map[uuid.UUID]domain.ACL),
		samples:     make(map[uuid.UUID]domain.SavedSample),
		linksByDUID: make(map[string]domain.DataLink),
		linksByID:   make(map[string]domain.DataLink),
	}
}

func (f *fakeStorage) SaveSample(_ context.Context, sample domain.SavedSample) (bool, error) {
	stored := true
	if len(f.saveStoredSeq) > 0 {
		stored = f.saveStoredSeq[0]
		f.saveStoredSeq = f.saveStoredSeq[1:]
	}
	if stored {
		f.samples[sample.ID] = sample
	}
	return stored, nil
}

func (f *fakeStorage) SaveSampleVersion(_ context.Context, sample domain.SavedSample, prior *int) (int, error) {
	current := f.samples[sample.ID]
	if prior != nil && *prior != current.Version {
		return 0, domain.Errorf(domain.CodeConcurrency,
			"Sample %s is at version %d, not %d", sample.ID, current.Version, *prior)
	}
	f.savedVersions = append(f.savedVersions, sample)
	current.Version++
	f.samples[sample.ID] = current
	return current.Version, nil
}

func (f *fakeStorage) GetSample(_ context.Context, id uuid.UUID, _ *int) (domain.SavedSample, error) {
	s, ok := f.samples[id]
	if !ok {
		return domain.SavedSample{}, domain.Errorf(domain.CodeNoSuchSample, "%s", id)
	}
	return s, nil
}

func (f *fakeStorage) GetSampleACLs(_ context.Context, id uuid.UUID) (domain.ACL, error) {
	acl, ok := f.acls[id]
	if !ok {
		return domain.ACL{}, domain.Errorf(domain.CodeNoSuchSample, "%s", id)
	}
	return acl, nil
}

func (f *fakeStorage) ReplaceSampleACLs(_ context.Context, id uuid.UUID, acl domain.ACL) error {
	if len(f.replaceErrs) > 0 {
		err := f.replaceErrs[0]
		f.replaceErrs = f.replaceErrs[1:]
		if err != nil {
			return err
		}
	}
	f.replacedACLs = append(f.replacedACLs, acl)
	f.acls[id] = acl
	return nil
}

func (f *fakeStorage) UpdateSampleACLs(_ context.Context, _ uuid.UUID, _ domain.ACLDelta, _ time.Time) (bool, error) {
	return f.updateChanged, nil
}

func (f *fakeStorage) CreateDataLink(_ context.Context, link domain.DataLink, _ bool) (*domain.DataLink, error) {
	f.linksByID[link.ID] = link
	f.linksByDUID[link.DUID.String()] = link
	return f.expiredOnCreate, nil
}

func (f *fakeStorage) GetDataLink(_ context.Context, id string) (domain.DataLink, error) {
	link, ok := f.linksByID[id]
	if !ok {
		return domain.DataLink{}, domain.Errorf(domain.CodeNoSuchDataLink, "%s", id)
	}
	return link, nil
}

func (f *fakeStorage) GetDataLinkByDUID(_ context.Context, duid domain.DataUnitID) (domain.DataLink, error) {
	link, ok := f.linksByDUID[duid.String()]
	if !ok {
		return domain.DataLink{}, domain.Errorf(domain.CodeNoSuchDataLink,
			"No link from data unit %s", duid)
	}
	return link, nil
}

func (f *fakeStorage) ExpireDataLink(_ context.Context, expired time.Time, by domain.UserID, id string) (domain.DataLink, error) {
	link, ok := f.linksByID[id]
	if !ok {
		return domain.DataLink{}, domain.Errorf(domain.CodeNoSuchDataLink, "%s", id)
	}
	out, err := link.WithExpiry(expired, by)
	if err != nil {
		return domain.DataLink{}, err
	}
	f.linksByID[id] = out
	delete(f.linksByDUID, link.DUID.String())
	return out, nil
}

func (f *fakeStorage) GetLinksFromSample(_ context.Context, addr domain.SampleAddress, _ time.Time) ([]domain.DataLink, error) {
	var out []domain.DataLink
	for _, link := range f.linksByID {
		if link.Node.ID == addr.ID && link.Node.Version == addr.Version {
			out = append(out, link)
		}
	}
	return out, nil
}

func (f *fakeStorage) HasDataLink(_ context.Context, _ domain.UPA, _ uuid.UUID) (bool, error) {
	return f.hasLink, nil
}

func (f *fakeStorage) Ping(context.Context) error { return nil }

type fakeUsers struct {
	invalid []domain.UserID
}

func (f *fakeUsers) IsAdmin(context.Context, string) (AdminRole, domain.UserID, error) {
	return AdminNone, "", nil
}

func (f *fakeUsers) InvalidUsers(context.Context, []domain.UserID) ([]domain.UserID, error) {
	return f.invalid, nil
}

type fakeWorkspace struct {
	denied     map[string]error
	workspaces []int64
}

func (f *fakeWorkspace) HasObjectPermission(_ context.Context, _ domain.UserID, _ ObjectAccess, upa domain.UPA) error {
	if err, ok := f.denied[upa.String()]; ok {
		return err
	}
	return nil
}

func (f *fakeWorkspace) UserWorkspaces(context.Context, domain.UserID) ([]int64, error) {
	return f.workspaces, nil
}

type fakeNotifier struct {
	versions    []string
	acls        []string
	links       []string
	expired     []string
	fail        error
	failNewLink error
}

func (f *fakeNotifier) NewSampleVersion(_ context.Context, id uuid.UUID, version int) error {
	if f.fail != nil {
		return f.fail
	}
	f.versions = append(f.versions, fmt.Sprintf("%s/%d", id, version))
	return nil
}

func (f *fakeNotifier) ACLChange(_ context.Context, id uuid.UUID) error {
	if f.fail != nil {
		return f.fail
	}
	f.acls = append(f.acls, id.String())
	return nil
}

func (f *fakeNotifier) NewDataLink(_ context.Context, linkID string) error {
	if f.fail != nil {
		return f.fail
	}
	if f.failNewLink != nil {
		return f.failNewLink
	}
	f.links = append(f.links, linkID)
	return nil
}

func (f *fakeNotifier) ExpiredDataLink(_ context.Context, linkID string) error {
	if f.fail != nil {
		return f.fail
	}
	f.expired = append(f.expired, linkID)
	return nil
}

func testValidators(t *testing.T) *metadata.ValidatorSet {
	t.Helper()
	temp, err := metadata.NewValidator("temperature", nil, func(key string, value domain.MetadataValue) *metadata.Failure {
		if _, ok := value["value"].(float64); !ok {
			return metadata.Fail("value must be a number")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("build validator: %v", err)
	}
	anyGeo, err := metadata.NewPrefixValidator("geo_", nil,
		func(prefix, key string, value domain.MetadataValue) *metadata.Failure { return nil })
	if err != nil {
		t.Fatalf("build prefix validator: %v", err)
	}
	set, err := metadata.NewValidatorSet(temp, anyGeo)
	if err != nil {
		t.Fatalf("build validator set: %v", err)
	}
	return set
}

func testSample(t *testing.T, controlled domain.Metadata) domain.Sample {
	t.Helper()
	node, err := domain.NewSampleNode("root", domain.BioReplicate, nil, controlled, nil, nil)
	if err != nil {
		t.Fatalf("build node: %v", err)
	}
	sample, err := domain.NewSample([]domain.SampleNode{node}, "mysample")
	if err != nil {
		t.Fatalf("build sample: %v", err)
	}
	return sample
}

type serviceFixture struct {
	svc      *Samples
	storage  *fakeStorage
	users    *fakeUsers
	ws       *fakeWorkspace
	notifier *fakeNotifier
	ids      []uuid.UUID
}

func newFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		storage:  newFakeStorage(),
		users:    &fakeUsers{},
		ws:       &fakeWorkspace{},
		notifier: &fakeNotifier{},
		ids:      []uuid.UUID{uuid.New(), uuid.New()},
	}
	ids := append([]uuid.UUID(nil), f.ids...)
	var linkSeq int
	svc, err := NewSamples(f.storage, testValidators(t), f.users, f.ws, f.notifier,
		WithClock(func() time.Time { return testTime }),
		WithSampleIDSource(func() uuid.UUID {
			id := ids[0]
			ids = ids[1:]
			return id
		}),
		WithLinkIDSource(func() string {
			linkSeq++
			return fmt.Sprintf("link-%d", linkSeq)
		}),
	)
	if err != nil {
		t.Fatalf("build service: %v", err)
	}
	f.svc = svc
	return f
}

func (f *serviceFixture) seedSample(t *testing.T, owner domain.UserID, acls domain.ACLOwnerless) uuid.UUID {
	t.Helper()
	acl, err := domain.NewACL(owner, testTime, acls)
	if err != nil {
		t.Fatalf("build acl: %v", err)
	}
	id := uuid.New()
	f.storage.acls[id] = acl
	saved, err := domain.NewSavedSample(testSample(t, nil), id, owner, testTime, 1)
	if err != nil {
		t.Fatalf("build saved sample: %v", err)
	}
	f.storage.samples[id] = saved
	return id
}

func TestSaveSampleNew(t *testing.T) {
	f := newFixture(t)
	sample := testSample(t, domain.Metadata{"temperature": {"value": 21.5}})

	id, ver, err := f.svc.SaveSample(context.Background(), sample, "alice", nil, nil, false)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if id != f.ids[0] || ver != 1 {
		t.Fatalf("got id %s version %d, want %s version 1", id, ver, f.ids[0])
	}
	stored, ok := f.storage.samples[id]
	if !ok || stored.User != "alice" || !stored.SaveTime.Equal(testTime) {
		t.Fatalf("stored sample wrong: %+v", stored)
	}
	want := fmt.Sprintf("%s/1", id)
	if len(f.notifier.versions) != 1 || f.notifier.versions[0] != want {
		t.Fatalf("notifications: %v", f.notifier.versions)
	}
}

func TestSaveSampleNewIDCollision(t *testing.T) {
	f := newFixture(t)
	f.storage.saveStoredSeq = []bool{false, true}

	id, _, err := f.svc.SaveSample(context.Background(), testSample(t, nil), "alice", nil, nil, false)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if id != f.ids[1] {
		t.Fatalf("expected retry with second id %s, got %s", f.ids[1], id)
	}
}

func TestSaveSampleNewRepeatedCollision(t *testing.T) {
	f := newFixture(t)
	f.storage.saveStoredSeq = []bool{false, false}

	_, _, err := f.svc.SaveSample(context.Background(), testSample(t, nil), "alice", nil, nil, false)
	if err == nil || !strings.Contains(err.Error(), "collisions") {
		t.Fatalf("expected collision error, got %v", err)
	}
}

func TestSaveSampleMetadataValidationFailure(t *testing.T) {
	f := newFixture(t)
	sample := testSample(t, domain.Metadata{"temperature": {"value": "warm"}})

	_, _, err := f.svc.SaveSample(context.Background(), sample, "alice", nil, nil, false)
	if !domain.IsCode(err, domain.CodeMetadataValidation) {
		t.Fatalf("expected metadata validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "Node at index 0") {
		t.Fatalf("error should name the failing node: %v", err)
	}
	if len(f.storage.samples) != 0 {
		t.Fatal("nothing should be stored on validation failure")
	}
}

func TestSaveSampleVersionRequiresWrite(t *testing.T) {
	f := newFixture(t)
	id := f.seedSample(t, "owner", domain.ACLOwnerless{Read: []domain.UserID{"bob"}})

	_, _, err := f.svc.SaveSample(context.Background(), testSample(t, nil), "bob", &id, nil, false)
	if !domain.IsCode(err, domain.CodeUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if !strings.Contains(err.Error(), "cannot write to") {
		t.Fatalf("wrong denial message: %v", err)
	}
}

func TestSaveSampleVersionWithPriorVersion(t *testing.T) {
	f := newFixture(t)
	id := f.seedSample(t, "owner", domain.ACLOwnerless{Write: []domain.UserID{"bob"}})

	prior := 1
	_, ver, err := f.svc.SaveSample(context.Background(), testSample(t, nil), "bob", &id, &prior, false)
	if err != nil {
		t.Fatalf("save version: %v", err)
	}
	if ver != 2 {
		t.Fatalf("got version %d, want 2", ver)
	}

	stale := 1
	_, _, err = f.svc.SaveSample(context.Background(), testSample(t, nil), "bob", &id, &stale, false)
	if !domain.IsCode(err, domain.CodeConcurrency) {
		t.Fatalf("expected concurrency error for stale prior version, got %v", err)
	}
}

func TestSaveSampleNotificationFailureAfterCommit(t *testing.T) {
	f := newFixture(t)
	f.notifier.fail = errors.New("kafka down")

	id, ver, err := f.svc.SaveSample(context.Background(), testSample(t, nil), "alice", nil, nil, false)
	if err == nil || !strings.Contains(err.Error(), "notification failed") {
		t.Fatalf("expected notification failure, got %v", err)
	}
	if id == uuid.Nil || ver != 1 {
		t.Fatalf("commit result must survive notification failure, got %s/%d", id, ver)
	}
	if _, ok := f.storage.samples[id]; !ok {
		t.Fatal("sample must remain stored")
	}
}

func TestGetSampleAccess(t *testing.T) {
	f := newFixture(t)
	id := f.seedSample(t, "owner", domain.ACLOwnerless{Read: []domain.UserID{"bob"}})

	if _, err := f.svc.GetSample(context.Background(), id, "bob", nil, false); err != nil {
		t.Fatalf("reader should see the sample: %v", err)
	}
	_, err := f.svc.GetSample(context.Background(), id, "mallory", nil, false)
	if !domain.IsCode(err, domain.CodeUnauthorized) || !strings.Contains(err.Error(), "cannot read") {
		t.Fatalf("expected read denial, got %v", err)
	}
	if _, err := f.svc.GetSample(context.Background(), id, "mallory", nil, true); err != nil {
		t.Fatalf("asAdmin bypasses ACLs: %v", err)
	}
	bad := 0
	_, err = f.svc.GetSample(context.Background(), id, "bob", &bad, false)
	if !domain.IsCode(err, domain.CodeIllegalParameter) {
		t.Fatalf("expected illegal parameter for version 0, got %v", err)
	}
}

func TestGetSamplePublicRead(t *testing.T) {
	f := newFixture(t)
	id := f.seedSample(t, "owner", domain.ACLOwnerless{PublicRead: true})

	if _, err := f.svc.GetSample(context.Background(), id, "anyone", nil, false); err != nil {
		t.Fatalf("public read should allow any user: %v", err)
	}
}

func TestReplaceSampleACLsInvalidUser(t *testing.T) {
	f := newFixture(t)
	id := f.seedSample(t, "owner", domain.ACLOwnerless{})
	f.users.invalid = []domain.UserID{"ghost"}

	err := f.svc.ReplaceSampleACLs(context.Background(), id, "owner",
		domain.ACLOwnerless{Read: []domain.UserID{"ghost"}}, false)
	if !domain.IsCode(err, domain.CodeNoSuchUser) {
		t.Fatalf("expected no such user, got %v", err)
	}
}

func TestReplaceSampleACLsRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	id := f.seedSample(t, "owner", domain.ACLOwnerless{Write: []domain.UserID{"bob"}})

	err := f.svc.ReplaceSampleACLs(context.Background(), id, "bob", domain.ACLOwnerless{}, false)
	if !domain.IsCode(err, domain.CodeUnauthorized) || !strings.Contains(err.Error(), "cannot administrate") {
		t.Fatalf("expected admin denial, got %v", err)
	}
}

func TestReplaceSampleACLsOwnerChangeRetry(t *testing.T) {
	f := newFixture(t)
	id := f.seedSample(t, "owner", domain.ACLOwnerless{Admin: []domain.UserID{"alice"}})
	f.storage.replaceErrs = []error{
		domain.OwnerChangedError{Owner: "newowner"},
		domain.OwnerChangedError{Owner: "owner"},
	}

	err := f.svc.ReplaceSampleACLs(context.Background(), id, "alice",
		domain.ACLOwnerless{Read: []domain.UserID{"bob"}}, false)
	if err != nil {
		t.Fatalf("retry should succeed: %v", err)
	}
	if len(f.storage.replacedACLs) != 1 {
		t.Fatalf("expected one committed replacement, got %d", len(f.storage.replacedACLs))
	}
	if got := f.storage.replacedACLs[0].Read; len(got) != 1 || got[0] != "bob" {
		t.Fatalf("committed acl wrong: %+v", f.storage.replacedACLs[0])
	}
	if len(f.notifier.acls) != 1 {
		t.Fatalf("expected one acl notification, got %v", f.notifier.acls)
	}
}

func TestReplaceSampleACLsRetryExhaustion(t *testing.T) {
	f := newFixture(t)
	id := f.seedSample(t, "owner", domain.ACLOwnerless{Admin: []domain.UserID{"alice"}})
	oce := domain.OwnerChangedError{Owner: "flapping"}
	f.storage.replaceErrs = []error{oce, oce, oce, oce, oce}

	err := f.svc.ReplaceSampleACLs(context.Background(), id, "alice", domain.ACLOwnerless{}, false)
	if err == nil || !strings.Contains(err.Error(), "5 attempts") {
		t.Fatalf("expected exhaustion after 5 attempts, got %v", err)
	}
	if _, coded := domain.ErrorCodeOf(err); coded {
		t.Fatalf("exhaustion must not carry a business code, got %v", err)
	}
	if len(f.notifier.acls) != 0 {
		t.Fatal("no notification on failure")
	}
}

func TestUpdateSampleACLsNotifiesOnlyOnChange(t *testing.T) {
	f := newFixture(t)
	id := f.seedSample(t, "owner", domain.ACLOwnerless{})
	delta, err := domain.NewACLDelta([]domain.UserID{"bob"}, nil, nil, nil, nil, false)
	if err != nil {
		t.Fatalf("build delta: %v", err)
	}

	f.storage.updateChanged = false
	if err := f.svc.UpdateSampleACLs(context.Background(), id, "owner", delta, false); err != nil {
		t.Fatalf("noop update: %v", err)
	}
	if len(f.notifier.acls) != 0 {
		t.Fatal("noop update must not notify")
	}

	f.storage.updateChanged = true
	if err := f.svc.UpdateSampleACLs(context.Background(), id, "owner", delta, false); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(f.notifier.acls) != 1 {
		t.Fatalf("expected one notification, got %v", f.notifier.acls)
	}
}

func linkFixture(t *testing.T, f *serviceFixture, sampleID uuid.UUID) (domain.DataUnitID, domain.SampleNodeAddress) {
	t.Helper()
	upa, err := domain.NewUPA(5, 6, 1)
	if err != nil {
		t.Fatalf("build upa: %v", err)
	}
	duid, err := domain.NewDataUnitID(upa, "")
	if err != nil {
		t.Fatalf("build duid: %v", err)
	}
	node, err := domain.NewSampleNodeAddress(sampleID, 1, "root")
	if err != nil {
		t.Fatalf("build node address: %v", err)
	}
	return duid, node
}

func TestCreateDataLink(t *testing.T) {
	f := newFixture(t)
	id := f.seedSample(t, "owner", domain.ACLOwnerless{})
	duid, node := linkFixture(t, f, id)

	link, err := f.svc.CreateDataLink(context.Background(), "owner", duid, node, false, false)
	if err != nil {
		t.Fatalf("create link: %v", err)
	}
	if link.ID != "link-1" || !link.Created.Equal(testTime) || link.CreatedBy != "owner" {
		t.Fatalf("link wrong: %+v", link)
	}
	if len(f.notifier.links) != 1 || f.notifier.links[0] != "link-1" {
		t.Fatalf("notifications: %v", f.notifier.links)
	}
	if len(f.notifier.expired) != 0 {
		t.Fatal("no expiry notification expected")
	}
}

func TestCreateDataLinkRequiresSampleAdmin(t *testing.T) {
	f := newFixture(t)
	id := f.seedSample(t, "owner", domain.ACLOwnerless{Write: []domain.UserID{"bob"}})
	duid, node := linkFixture(t, f, id)

	_, err := f.svc.CreateDataLink(context.Background(), "bob", duid, node, false, false)
	if !domain.IsCode(err, domain.CodeUnauthorized) || !strings.Contains(err.Error(), "cannot administrate") {
		t.Fatalf("expected admin denial, got %v", err)
	}
}

func TestCreateDataLinkRequiresWorkspaceWrite(t *testing.T) {
	f := newFixture(t)
	id := f.seedSample(t, "owner", domain.ACLOwnerless{})
	duid, node := linkFixture(t, f, id)
	f.ws.denied = map[string]error{
		duid.UPA.String(): domain.Errorf(domain.CodeUnauthorized, "User owner cannot write to upa %s", duid.UPA),
	}

	_, err := f.svc.CreateDataLink(context.Background(), "owner", duid, node, false, false)
	if !domain.IsCode(err, domain.CodeUnauthorized) {
		t.Fatalf("expected workspace denial, got %v", err)
	}
}

func TestCreateDataLinkWithUpdateNotifiesExpiredLink(t *testing.T) {
	f := newFixture(t)
	id := f.seedSample(t, "owner", domain.ACLOwnerless{})
	duid, node := linkFixture(t, f, id)
	old, err := domain.NewDataLink("old-link", duid, node, testTime.Add(-time.Hour), "owner")
	if err != nil {
		t.Fatalf("build old link: %v", err)
	}
	expired, err := old.WithExpiry(testTime, "owner")
	if err != nil {
		t.Fatalf("expire old link: %v", err)
	}
	f.storage.expiredOnCreate = &expired

	link, err := f.svc.CreateDataLink(context.Background(), "owner", duid, node, true, false)
	if err != nil {
		t.Fatalf("create link: %v", err)
	}
	if link.ID != "link-1" {
		t.Fatalf("link wrong: %+v", link)
	}
	if len(f.notifier.expired) != 1 || f.notifier.expired[0] != "old-link" {
		t.Fatalf("expired notifications: %v", f.notifier.expired)
	}
}

func TestCreateDataLinkExpiryNotifiedDespiteNewLinkFailure(t *testing.T) {
	f := newFixture(t)
	id := f.seedSample(t, "owner", domain.ACLOwnerless{})
	duid, node := linkFixture(t, f, id)
	old, err := domain.NewDataLink("old-link", duid, node, testTime.Add(-time.Hour), "owner")
	if err != nil {
		t.Fatalf("build old link: %v", err)
	}
	expired, err := old.WithExpiry(testTime, "owner")
	if err != nil {
		t.Fatalf("expire old link: %v", err)
	}
	f.storage.expiredOnCreate = &expired
	f.notifier.failNewLink = errors.New("kafka down")

	link, err := f.svc.CreateDataLink(context.Background(), "owner", duid, node, true, false)
	if err == nil || !strings.Contains(err.Error(), "notification failed") {
		t.Fatalf("expected notification failure, got %v", err)
	}
	if link.ID != "link-1" {
		t.Fatalf("commit result must survive notification failure: %+v", link)
	}
	if len(f.notifier.expired) != 1 || f.notifier.expired[0] != "old-link" {
		t.Fatalf("expiry notification must still fire: %v", f.notifier.expired)
	}
}

func TestExpireDataLink(t *testing.T) {
	f := newFixture(t)
	id := f.seedSample(t, "owner", domain.ACLOwnerless{})
	duid, node := linkFixture(t, f, id)
	if _, err := f.svc.CreateDataLink(context.Background(), "owner", duid, node, false, false); err != nil {
		t.Fatalf("create link: %v", err)
	}

	expired, err := f.svc.ExpireDataLink(context.Background(), "owner", duid, false)
	if err != nil {
		t.Fatalf("expire link: %v", err)
	}
	if expired.Active() || expired.Expired == nil {
		t.Fatalf("link should be expired: %+v", expired)
	}
	if expired.ExpiredBy == nil || *expired.ExpiredBy != "owner" {
		t.Fatalf("expired_by wrong: %+v", expired)
	}
	if len(f.notifier.expired) != 1 || f.notifier.expired[0] != "link-1" {
		t.Fatalf("expired notifications: %v", f.notifier.expired)
	}
}

func TestExpireDataLinkNoActiveLink(t *testing.T) {
	f := newFixture(t)
	id := f.seedSample(t, "owner", domain.ACLOwnerless{})
	duid, _ := linkFixture(t, f, id)

	_, err := f.svc.ExpireDataLink(context.Background(), "owner", duid, false)
	if !domain.IsCode(err, domain.CodeNoSuchDataLink) {
		t.Fatalf("expected no such link, got %v", err)
	}
}

func TestGetLinksFromSampleFiltersByWorkspace(t *testing.T) {
	f := newFixture(t)
	id := f.seedSample(t, "owner", domain.ACLOwnerless{Read: []domain.UserID{"bob"}})
	duid, node := linkFixture(t, f, id)
	if _, err := f.svc.CreateDataLink(context.Background(), "owner", duid, node, false, false); err != nil {
		t.Fatalf("create link: %v", err)
	}

	f.ws.workspaces = nil
	links, _, err := f.svc.GetLinksFromSample(context.Background(), "bob",
		domain.SampleAddress{ID: id, Version: 1}, nil, false)
	if err != nil {
		t.Fatalf("get links: %v", err)
	}
	if len(links) != 0 {
		t.Fatalf("links into unreadable workspaces must be hidden, got %v", links)
	}

	f.ws.workspaces = []int64{5}
	links, effective, err := f.svc.GetLinksFromSample(context.Background(), "bob",
		domain.SampleAddress{ID: id, Version: 1}, nil, false)
	if err != nil {
		t.Fatalf("get links: %v", err)
	}
	if len(links) != 1 || links[0].ID != "link-1" {
		t.Fatalf("links: %v", links)
	}
	if !effective.Equal(testTime) {
		t.Fatalf("effective time %v, want %v", effective, testTime)
	}
}

func TestGetLinksFromSampleAsAdminSkipsFilter(t *testing.T) {
	f := newFixture(t)
	id := f.seedSample(t, "owner", domain.ACLOwnerless{})
	duid, node := linkFixture(t, f, id)
	if _, err := f.svc.CreateDataLink(context.Background(), "owner", duid, node, false, false); err != nil {
		t.Fatalf("create link: %v", err)
	}

	f.ws.workspaces = nil
	links, _, err := f.svc.GetLinksFromSample(context.Background(), "anyone",
		domain.SampleAddress{ID: id, Version: 1}, nil, true)
	if err != nil {
		t.Fatalf("get links: %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("asAdmin must see all links, got %v", links)
	}
}

func TestGetSampleViaData(t *testing.T) {
	f := newFixture(t)
	id := f.seedSample(t, "owner", domain.ACLOwnerless{})
	upa, err := domain.NewUPA(5, 6, 1)
	if err != nil {
		t.Fatalf("build upa: %v", err)
	}

	f.storage.hasLink = false
	_, err = f.svc.GetSampleViaData(context.Background(), "stranger", upa,
		domain.SampleAddress{ID: id, Version: 1})
	if !domain.IsCode(err, domain.CodeNoSuchDataLink) {
		t.Fatalf("expected no such link, got %v", err)
	}

	f.storage.hasLink = true
	sample, err := f.svc.GetSampleViaData(context.Background(), "stranger", upa,
		domain.SampleAddress{ID: id, Version: 1})
	if err != nil {
		t.Fatalf("get via data: %v", err)
	}
	if sample.ID != id {
		t.Fatalf("got sample %s, want %s", sample.ID, id)
	}
}

func TestValidateSamplesCollectsFindings(t *testing.T) {
	f := newFixture(t)
	bad := testSample(t, domain.Metadata{
		"temperature": {"value": "warm"},
		"unknownkey":  {"value": 1},
	})
	good := testSample(t, domain.Metadata{"geo_lat": {"value": 1.0}})

	findings := f.svc.ValidateSamples(context.Background(), []domain.Sample{bad, good})
	if len(findings) != 2 {
		t.Fatalf("expected 2 findings, got %+v", findings)
	}
	for _, finding := range findings {
		if finding.Node != "root" || finding.SampleName != "mysample" {
			t.Fatalf("finding must name node and sample: %+v", finding)
		}
	}
}
