// Package memory provides the in-memory document and edge store backing the
// samples service. It is the reference storage engine: the durable drivers
// wrap it and persist its snapshots. Sample saves follow a multi-document
// saga (version and node documents first, then the root document, then the
// version-number patch) so partially written state is always repairable by
// the scrubber.
package memory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"samplecore/pkg/domain"

	"github.com/google/uuid"
)

// Times earlier than this millisecond value predate the service and can only
// be second-resolution values written by old snapshots.
const millisEpochFloor = int64(100_000_000_000)

const defaultMaxLinks = 10000

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// upgradeMillis converts a second-resolution timestamp to milliseconds.
// Millisecond values pass through unchanged, so the upgrade is idempotent.
func upgradeMillis(v int64) int64 {
	if v > 0 && v < millisEpochFloor {
		return v * 1000
	}
	return v
}

type aclDoc struct {
	Owner      string   `json:"owner"`
	Admin      []string `json:"admin,omitempty"`
	Write      []string `json:"write,omitempty"`
	Read       []string `json:"read,omitempty"`
	PublicRead bool     `json:"pubread,omitempty"`
	LastUpdate int64    `json:"lastupdate"`
}

// sampleDoc is the root document for one sample: its ACL plus the ordered
// version-document keys. A version's number is its index here plus one; the
// root document is the authority, the integers in the version and node
// documents are a denormalization patched in last.
type sampleDoc struct {
	ID       string   `json:"id"`
	ACL      aclDoc   `json:"acl"`
	Versions []string `json:"vers"`
}

// inFlightVersion marks a version or node document whose integer version has
// not been patched yet.
const inFlightVersion = -1

type versionDoc struct {
	Key      string   `json:"key"`
	SampleID string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	SaveTime int64    `json:"saved"`
	User     string   `json:"user"`
	Nodes    []string `json:"nodes"`
	Version  int      `json:"ver"`
}

// nodeDoc is one tree node of one sample version. Parent carries the edge to
// the parent node document within the same version.
type nodeDoc struct {
	Key      string            `json:"key"`
	SampleID string            `json:"id"`
	VerKey   string            `json:"verkey"`
	Version  int               `json:"ver"`
	Index    int               `json:"index"`
	Parent   string            `json:"parent,omitempty"`
	Node     domain.SampleNode `json:"node"`
}

type linkDoc struct {
	ID        string  `json:"id"`
	WsID      int64   `json:"wsid"`
	ObjectID  int64   `json:"objid"`
	ObjVer    int64   `json:"objver"`
	DataID    string  `json:"dataid,omitempty"`
	SampleID  string  `json:"sampleid"`
	SampleVer int     `json:"samplever"`
	Node      string  `json:"node"`
	Created   int64   `json:"created"`
	CreatedBy string  `json:"createdby"`
	Expired   *int64  `json:"expired,omitempty"`
	ExpiredBy *string `json:"expiredby,omitempty"`
}

func (d linkDoc) duidKey() string {
	key := fmt.Sprintf("%d/%d/%d", d.WsID, d.ObjectID, d.ObjVer)
	if d.DataID != "" {
		key += ":" + d.DataID
	}
	return key
}

func (d linkDoc) toDomain() (domain.DataLink, error) {
	upa, err := domain.NewUPA(d.WsID, d.ObjectID, d.ObjVer)
	if err != nil {
		return domain.DataLink{}, err
	}
	duid, err := domain.NewDataUnitID(upa, d.DataID)
	if err != nil {
		return domain.DataLink{}, err
	}
	sid, err := uuid.Parse(d.SampleID)
	if err != nil {
		return domain.DataLink{}, fmt.Errorf("corrupt link %s: %w", d.ID, err)
	}
	node, err := domain.NewSampleNodeAddress(sid, d.SampleVer, d.Node)
	if err != nil {
		return domain.DataLink{}, err
	}
	link, err := domain.NewDataLink(d.ID, duid, node, fromMillis(d.Created), domain.UserID(d.CreatedBy))
	if err != nil {
		return domain.DataLink{}, err
	}
	if d.Expired != nil {
		link, err = link.WithExpiry(fromMillis(*d.Expired), domain.UserID(*d.ExpiredBy))
		if err != nil {
			return domain.DataLink{}, err
		}
	}
	return link, nil
}

func linkDocFrom(link domain.DataLink) linkDoc {
	doc := linkDoc{
		ID:        link.ID,
		WsID:      link.DUID.UPA.WsID,
		ObjectID:  link.DUID.UPA.ObjectID,
		ObjVer:    link.DUID.UPA.Version,
		DataID:    link.DUID.DataID,
		SampleID:  link.Node.ID.String(),
		SampleVer: link.Node.Version,
		Node:      link.Node.Node,
		Created:   toMillis(link.Created),
		CreatedBy: string(link.CreatedBy),
	}
	if link.Expired != nil {
		exp := toMillis(*link.Expired)
		by := string(*link.ExpiredBy)
		doc.Expired = &exp
		doc.ExpiredBy = &by
	}
	return doc
}

type memoryState struct {
	samples  map[string]sampleDoc
	versions map[string]versionDoc
	nodes    map[string]nodeDoc
	links    map[string]linkDoc
	active   map[string]string
}

func newMemoryState() memoryState {
	return memoryState{
		samples:  make(map[string]sampleDoc),
		versions: make(map[string]versionDoc),
		nodes:    make(map[string]nodeDoc),
		links:    make(map[string]linkDoc),
		active:   make(map[string]string),
	}
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Samples  map[string]sampleDoc  `json:"samples"`
	Versions map[string]versionDoc `json:"versions"`
	Nodes    map[string]nodeDoc    `json:"nodes"`
	Links    map[string]linkDoc    `json:"links"`
	Active   map[string]string     `json:"active"`
}

// Store is the in-memory document and edge store.
type Store struct {
	mu                sync.RWMutex
	state             memoryState
	nowFn             func() time.Time
	maxLinksPerSample int
	maxLinksPerObject int
}

// Option configures a Store.
type Option func(*Store)

// WithNowFunc overrides the time source, mainly for tests.
func WithNowFunc(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.nowFn = fn
		}
	}
}

// WithMaxLinksPerSample caps the active links per sample.
func WithMaxLinksPerSample(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxLinksPerSample = n
		}
	}
}

// WithMaxLinksPerObject caps the active links per workspace object.
func WithMaxLinksPerObject(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxLinksPerObject = n
		}
	}
}

// NewStore builds an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		state:             newMemoryState(),
		nowFn:             func() time.Time { return time.Now().UTC() },
		maxLinksPerSample: defaultMaxLinks,
		maxLinksPerObject: defaultMaxLinks,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) newKey() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Errorf("memory store id generation: %w", err))
	}
	return hex.EncodeToString(buf)
}

func nodeKey(verKey, name string) string { return verKey + "_" + name }

func noSampleErr(id string) error {
	return domain.Errorf(domain.CodeNoSuchSample, "No sample with id %s", id)
}

// writeVersionDocs is the first saga step: the version document and its node
// documents are written with an in-flight version marker. Until the root
// document references them they are harmless orphans.
func (s *Store) writeVersionDocs(sample domain.SavedSample) string {
	verKey := s.newKey()
	id := sample.ID.String()
	nodeKeys := make([]string, len(sample.Nodes))
	keyByName := make(map[string]string, len(sample.Nodes))
	for i, node := range sample.Nodes {
		key := nodeKey(verKey, node.Name)
		nodeKeys[i] = key
		keyByName[node.Name] = key
		doc := nodeDoc{
			Key:      key,
			SampleID: id,
			VerKey:   verKey,
			Version:  inFlightVersion,
			Index:    i,
			Node:     node,
		}
		if node.Parent != nil {
			doc.Parent = keyByName[*node.Parent]
		}
		s.state.nodes[key] = doc
	}
	s.state.versions[verKey] = versionDoc{
		Key:      verKey,
		SampleID: id,
		Name:     sample.Name,
		SaveTime: toMillis(sample.SaveTime),
		User:     string(sample.User),
		Nodes:    nodeKeys,
		Version:  inFlightVersion,
	}
	return verKey
}

// patchVersion is the last saga step: the integer version is stamped onto
// the version document and its nodes.
func (s *Store) patchVersion(verKey string, version int) {
	ver := s.state.versions[verKey]
	ver.Version = version
	s.state.versions[verKey] = ver
	for _, key := range ver.Nodes {
		node := s.state.nodes[key]
		node.Version = version
		s.state.nodes[key] = node
	}
}

// SaveSample stores a brand new sample at version 1. It reports false
// without storing anything when the id is already taken.
func (s *Store) SaveSample(_ context.Context, sample domain.SavedSample) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := sample.ID.String()
	if _, exists := s.state.samples[id]; exists {
		return false, nil
	}
	verKey := s.writeVersionDocs(sample)
	s.state.samples[id] = sampleDoc{
		ID: id,
		ACL: aclDoc{
			Owner:      string(sample.User),
			LastUpdate: toMillis(sample.SaveTime),
		},
		Versions: []string{verKey},
	}
	s.patchVersion(verKey, 1)
	return true, nil
}

// SaveSampleVersion appends a new version to an existing sample, honoring an
// optional prior-version precondition.
func (s *Store) SaveSampleVersion(_ context.Context, sample domain.SavedSample, prior *int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := sample.ID.String()
	root, ok := s.state.samples[id]
	if !ok {
		return 0, noSampleErr(id)
	}
	if prior != nil && *prior != len(root.Versions) {
		return 0, domain.Errorf(domain.CodeConcurrency,
			"Sample %s is at version %d, not the required prior version %d", id, len(root.Versions), *prior)
	}
	verKey := s.writeVersionDocs(sample)
	root.Versions = append(root.Versions, verKey)
	s.state.samples[id] = root
	version := len(root.Versions)
	s.patchVersion(verKey, version)
	return version, nil
}

// GetSample returns the sample at the given version, or the latest when
// version is nil. An unpatched version document is tolerated: the true
// version number is its position in the root document.
func (s *Store) GetSample(_ context.Context, id uuid.UUID, version *int) (domain.SavedSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	root, ok := s.state.samples[id.String()]
	if !ok {
		return domain.SavedSample{}, noSampleErr(id.String())
	}
	ver := len(root.Versions)
	if version != nil {
		ver = *version
	}
	if ver < 1 || ver > len(root.Versions) {
		return domain.SavedSample{}, domain.Errorf(domain.CodeNoSuchSampleVersion,
			"No version %d of sample %s", ver, id)
	}
	return s.loadVersion(root, ver)
}

func (s *Store) loadVersion(root sampleDoc, ver int) (domain.SavedSample, error) {
	verDoc, ok := s.state.versions[root.Versions[ver-1]]
	if !ok {
		return domain.SavedSample{}, fmt.Errorf("corrupt sample %s: version document %s missing",
			root.ID, root.Versions[ver-1])
	}
	nodes := make([]domain.SampleNode, len(verDoc.Nodes))
	for i, key := range verDoc.Nodes {
		node, ok := s.state.nodes[key]
		if !ok {
			return domain.SavedSample{}, fmt.Errorf("corrupt sample %s: node document %s missing",
				root.ID, key)
		}
		nodes[i] = node.Node
	}
	sample, err := domain.NewSample(nodes, verDoc.Name)
	if err != nil {
		return domain.SavedSample{}, fmt.Errorf("corrupt sample %s: %w", root.ID, err)
	}
	sid, err := uuid.Parse(root.ID)
	if err != nil {
		return domain.SavedSample{}, fmt.Errorf("corrupt sample id %s: %w", root.ID, err)
	}
	return domain.NewSavedSample(sample, sid, domain.UserID(verDoc.User), fromMillis(verDoc.SaveTime), ver)
}

func usersToStrings(users []domain.UserID) []string {
	if len(users) == 0 {
		return nil
	}
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = string(u)
	}
	return out
}

func usersFromStrings(users []string) []domain.UserID {
	if len(users) == 0 {
		return nil
	}
	out := make([]domain.UserID, len(users))
	for i, u := range users {
		out[i] = domain.UserID(u)
	}
	return out
}

func aclDocFrom(acl domain.ACL) aclDoc {
	return aclDoc{
		Owner:      string(acl.Owner),
		Admin:      usersToStrings(acl.Admin),
		Write:      usersToStrings(acl.Write),
		Read:       usersToStrings(acl.Read),
		PublicRead: acl.PublicRead,
		LastUpdate: toMillis(acl.LastUpdate),
	}
}

func (d aclDoc) toDomain() (domain.ACL, error) {
	ownerless, err := domain.NewACLOwnerless(usersFromStrings(d.Admin), usersFromStrings(d.Write),
		usersFromStrings(d.Read), d.PublicRead)
	if err != nil {
		return domain.ACL{}, err
	}
	return domain.NewACL(domain.UserID(d.Owner), fromMillis(d.LastUpdate), ownerless)
}

// GetSampleACLs returns the sample's ACLs.
func (s *Store) GetSampleACLs(_ context.Context, id uuid.UUID) (domain.ACL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	root, ok := s.state.samples[id.String()]
	if !ok {
		return domain.ACL{}, noSampleErr(id.String())
	}
	return root.ACL.toDomain()
}

// ReplaceSampleACLs overwrites the sample's ACLs. The owner embedded in the
// new ACL must match the stored owner; a mismatch means the owner changed
// after the caller's permission check and is reported for retry.
func (s *Store) ReplaceSampleACLs(_ context.Context, id uuid.UUID, acl domain.ACL) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	root, ok := s.state.samples[id.String()]
	if !ok {
		return noSampleErr(id.String())
	}
	if root.ACL.Owner != string(acl.Owner) {
		return domain.OwnerChangedError{Owner: domain.UserID(root.ACL.Owner)}
	}
	root.ACL = aclDocFrom(acl)
	s.state.samples[id.String()] = root
	return nil
}

func aclEqual(a, b domain.ACL) bool {
	if a.Owner != b.Owner || a.PublicRead != b.PublicRead {
		return false
	}
	for _, pair := range [][2][]domain.UserID{{a.Admin, b.Admin}, {a.Write, b.Write}, {a.Read, b.Read}} {
		if len(pair[0]) != len(pair[1]) {
			return false
		}
		for i := range pair[0] {
			if pair[0][i] != pair[1][i] {
				return false
			}
		}
	}
	return true
}

// UpdateSampleACLs applies a delta to the sample's ACLs atomically under the
// store lock. It reports whether the ACLs changed; no-op deltas leave the
// update timestamp untouched.
func (s *Store) UpdateSampleACLs(_ context.Context, id uuid.UUID, delta domain.ACLDelta,
	updateTime time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	root, ok := s.state.samples[id.String()]
	if !ok {
		return false, noSampleErr(id.String())
	}
	current, err := root.ACL.toDomain()
	if err != nil {
		return false, err
	}
	next, err := current.Apply(delta, updateTime)
	if err != nil {
		return false, err
	}
	if aclEqual(current, next) {
		return false, nil
	}
	root.ACL = aclDocFrom(next)
	s.state.samples[id.String()] = root
	return true, nil
}

func sampleVerKey(id string, ver int) string {
	return fmt.Sprintf("%s/%d", id, ver)
}

func objVerKey(ws, obj, ver int64) string {
	return fmt.Sprintf("%d/%d/%d", ws, obj, ver)
}

// countActiveLinks tallies active links per sample version and per
// workspace object version; the link caps apply at version granularity on
// both sides.
func (s *Store) countActiveLinks() (perSample, perObject map[string]int) {
	perSample = make(map[string]int)
	perObject = make(map[string]int)
	for _, linkID := range s.state.active {
		link := s.state.links[linkID]
		perSample[sampleVerKey(link.SampleID, link.SampleVer)]++
		perObject[objVerKey(link.WsID, link.ObjectID, link.ObjVer)]++
	}
	return perSample, perObject
}

// checkLinkTarget verifies the sample node the link points at exists.
func (s *Store) checkLinkTarget(node domain.SampleNodeAddress) error {
	root, ok := s.state.samples[node.ID.String()]
	if !ok {
		return noSampleErr(node.ID.String())
	}
	if node.Version < 1 || node.Version > len(root.Versions) {
		return domain.Errorf(domain.CodeNoSuchSampleVersion,
			"No version %d of sample %s", node.Version, node.ID)
	}
	verDoc := s.state.versions[root.Versions[node.Version-1]]
	for _, key := range verDoc.Nodes {
		if s.state.nodes[key].Node.Name == node.Node {
			return nil
		}
	}
	return domain.Errorf(domain.CodeNoSuchSampleNode,
		"No node with name %s in sample %s version %d", node.Node, node.ID, node.Version)
}

// CreateDataLink stores a new link from a data unit to a sample node. Only
// one active link per data unit may exist. With update set, an existing
// active link to a different target (sample, version, or node) is expired
// in the same critical section; an existing link to the same target always
// fails.
func (s *Store) CreateDataLink(_ context.Context, link domain.DataLink, update bool) (*domain.DataLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLinkTarget(link.Node); err != nil {
		return nil, err
	}
	doc := linkDocFrom(link)
	var (
		current   linkDoc
		currentID string
		repoint   bool
	)
	if id, ok := s.state.active[doc.duidKey()]; ok {
		currentID = id
		current = s.state.links[currentID]
		sameTarget := current.SampleID == doc.SampleID &&
			current.SampleVer == doc.SampleVer && current.Node == doc.Node
		if sameTarget || !update {
			return nil, domain.Errorf(domain.CodeDataLinkExists,
				"Data unit %s is already linked to sample %s version %d node %s",
				link.DUID, current.SampleID, current.SampleVer, current.Node)
		}
		repoint = true
	}
	// All preconditions are checked before any state changes so a failed
	// create leaves the existing link untouched. The link being repointed
	// does not count against the caps: it is expired in the same commit.
	perSample, perObject := s.countActiveLinks()
	if repoint {
		perSample[sampleVerKey(current.SampleID, current.SampleVer)]--
		perObject[objVerKey(current.WsID, current.ObjectID, current.ObjVer)]--
	}
	sampleKey := sampleVerKey(doc.SampleID, doc.SampleVer)
	if perSample[sampleKey] >= s.maxLinksPerSample {
		return nil, domain.Errorf(domain.CodeTooManyDataLinks,
			"Sample %s version %d already has %d links",
			doc.SampleID, doc.SampleVer, perSample[sampleKey])
	}
	objKey := objVerKey(doc.WsID, doc.ObjectID, doc.ObjVer)
	if perObject[objKey] >= s.maxLinksPerObject {
		return nil, domain.Errorf(domain.CodeTooManyDataLinks,
			"Data object %s already has %d links", objKey, perObject[objKey])
	}
	var expired *domain.DataLink
	if repoint {
		exp := doc.Created
		by := doc.CreatedBy
		expiredDoc := current
		expiredDoc.Expired = &exp
		expiredDoc.ExpiredBy = &by
		old, err := expiredDoc.toDomain()
		if err != nil {
			return nil, err
		}
		s.state.links[currentID] = expiredDoc
		delete(s.state.active, doc.duidKey())
		expired = &old
	}
	s.state.links[doc.ID] = doc
	s.state.active[doc.duidKey()] = doc.ID
	return expired, nil
}

func noLinkErr(format string, args ...any) error {
	return domain.Errorf(domain.CodeNoSuchDataLink, format, args...)
}

// GetDataLink returns the link with the given id, active or expired.
func (s *Store) GetDataLink(_ context.Context, id string) (domain.DataLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.state.links[id]
	if !ok {
		return domain.DataLink{}, noLinkErr("No link with id %s", id)
	}
	return doc.toDomain()
}

// GetDataLinkByDUID returns the active link from the data unit.
func (s *Store) GetDataLinkByDUID(_ context.Context, duid domain.DataUnitID) (domain.DataLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	linkID, ok := s.state.active[duid.String()]
	if !ok {
		return domain.DataLink{}, noLinkErr("No active link from data unit %s", duid)
	}
	return s.state.links[linkID].toDomain()
}

// ExpireDataLink closes the link with the given id.
func (s *Store) ExpireDataLink(_ context.Context, expired time.Time, by domain.UserID,
	linkID string) (domain.DataLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.state.links[linkID]
	if !ok {
		return domain.DataLink{}, noLinkErr("No link with id %s", linkID)
	}
	if doc.Expired != nil {
		return domain.DataLink{}, noLinkErr("Link %s is already expired", linkID)
	}
	exp := toMillis(expired)
	who := string(by)
	doc.Expired = &exp
	doc.ExpiredBy = &who
	s.state.links[linkID] = doc
	delete(s.state.active, doc.duidKey())
	return doc.toDomain()
}

// GetLinksFromSample returns the links from one sample version that were
// active at the given instant, ordered by creation time then id.
func (s *Store) GetLinksFromSample(_ context.Context, addr domain.SampleAddress,
	at time.Time) ([]domain.DataLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	root, ok := s.state.samples[addr.ID.String()]
	if !ok {
		return nil, noSampleErr(addr.ID.String())
	}
	if addr.Version < 1 || addr.Version > len(root.Versions) {
		return nil, domain.Errorf(domain.CodeNoSuchSampleVersion,
			"No version %d of sample %s", addr.Version, addr.ID)
	}
	cutoff := toMillis(at)
	var out []domain.DataLink
	for _, doc := range s.state.links {
		if doc.SampleID != addr.ID.String() || doc.SampleVer != addr.Version {
			continue
		}
		if doc.Created > cutoff {
			continue
		}
		if doc.Expired != nil && *doc.Expired <= cutoff {
			continue
		}
		link, err := doc.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, link)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.Before(out[j].Created)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// HasDataLink reports whether an active link connects any data unit of the
// workspace object to the sample.
func (s *Store) HasDataLink(_ context.Context, upa domain.UPA, sampleID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, linkID := range s.state.active {
		doc := s.state.links[linkID]
		if doc.WsID == upa.WsID && doc.ObjectID == upa.ObjectID && doc.ObjVer == upa.Version &&
			doc.SampleID == sampleID.String() {
			return true, nil
		}
	}
	return false, nil
}

// Ping reports storage health. The in-memory store is always healthy.
func (s *Store) Ping(context.Context) error { return nil }
