package memory

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneSampleDoc(d sampleDoc) sampleDoc {
	d.ACL.Admin = cloneStrings(d.ACL.Admin)
	d.ACL.Write = cloneStrings(d.ACL.Write)
	d.ACL.Read = cloneStrings(d.ACL.Read)
	d.Versions = cloneStrings(d.Versions)
	return d
}

func cloneVersionDoc(d versionDoc) versionDoc {
	d.Nodes = cloneStrings(d.Nodes)
	return d
}

// Node documents hold SampleNode values, which are immutable after
// construction, so a value copy suffices.
func cloneNodeDoc(d nodeDoc) nodeDoc { return d }

func cloneLinkDoc(d linkDoc) linkDoc {
	if d.Expired != nil {
		exp := *d.Expired
		d.Expired = &exp
	}
	if d.ExpiredBy != nil {
		by := *d.ExpiredBy
		d.ExpiredBy = &by
	}
	return d
}

// ExportState returns a deep copy of the store state for persistence or
// archival.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Samples:  make(map[string]sampleDoc, len(s.state.samples)),
		Versions: make(map[string]versionDoc, len(s.state.versions)),
		Nodes:    make(map[string]nodeDoc, len(s.state.nodes)),
		Links:    make(map[string]linkDoc, len(s.state.links)),
		Active:   make(map[string]string, len(s.state.active)),
	}
	for k, v := range s.state.samples {
		snap.Samples[k] = cloneSampleDoc(v)
	}
	for k, v := range s.state.versions {
		snap.Versions[k] = cloneVersionDoc(v)
	}
	for k, v := range s.state.nodes {
		snap.Nodes[k] = cloneNodeDoc(v)
	}
	for k, v := range s.state.links {
		snap.Links[k] = cloneLinkDoc(v)
	}
	for k, v := range s.state.active {
		snap.Active[k] = v
	}
	return snap
}

// ImportState replaces the store state with the snapshot, applying format
// migrations first.
func (s *Store) ImportState(snapshot Snapshot) {
	snapshot = migrateSnapshot(snapshot)
	state := newMemoryState()
	for k, v := range snapshot.Samples {
		state.samples[k] = cloneSampleDoc(v)
	}
	for k, v := range snapshot.Versions {
		state.versions[k] = cloneVersionDoc(v)
	}
	for k, v := range snapshot.Nodes {
		state.nodes[k] = cloneNodeDoc(v)
	}
	for k, v := range snapshot.Links {
		state.links[k] = cloneLinkDoc(v)
	}
	for k, v := range snapshot.Active {
		state.active[k] = v
	}
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// migrateSnapshot upgrades snapshots written by older deployments. Missing
// maps are materialized, second-resolution timestamps are upgraded to
// milliseconds, and the active-link index is rebuilt from the link
// documents, which are the source of truth. All migrations are idempotent.
func migrateSnapshot(snapshot Snapshot) Snapshot {
	if snapshot.Samples == nil {
		snapshot.Samples = map[string]sampleDoc{}
	}
	if snapshot.Versions == nil {
		snapshot.Versions = map[string]versionDoc{}
	}
	if snapshot.Nodes == nil {
		snapshot.Nodes = map[string]nodeDoc{}
	}
	if snapshot.Links == nil {
		snapshot.Links = map[string]linkDoc{}
	}
	for k, doc := range snapshot.Samples {
		doc.ACL.LastUpdate = upgradeMillis(doc.ACL.LastUpdate)
		snapshot.Samples[k] = doc
	}
	for k, doc := range snapshot.Versions {
		doc.SaveTime = upgradeMillis(doc.SaveTime)
		snapshot.Versions[k] = doc
	}
	snapshot.Active = make(map[string]string, len(snapshot.Links))
	for k, doc := range snapshot.Links {
		doc.Created = upgradeMillis(doc.Created)
		if doc.Expired != nil {
			exp := upgradeMillis(*doc.Expired)
			doc.Expired = &exp
		}
		snapshot.Links[k] = doc
		if doc.Expired == nil {
			snapshot.Active[doc.duidKey()] = doc.ID
		}
	}
	return snapshot
}
