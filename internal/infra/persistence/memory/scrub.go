package memory

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// ScrubReport summarizes one scrubber pass.
type ScrubReport struct {
	Patched  int
	Orphaned int
}

// Scrub repairs state left behind by interrupted saves. Version and node
// documents referenced by a root document but still carrying the in-flight
// marker get their integer version re-derived from their position in the
// root document. Unreferenced version documents older than the grace period
// are deleted along with their nodes; younger ones are left alone because
// the save writing them may still be in progress. The pass is idempotent
// and paced by the limiter so it does not starve request traffic.
func (s *Store) Scrub(ctx context.Context, grace time.Duration, limiter *rate.Limiter) (ScrubReport, error) {
	var report ScrubReport
	cutoff := toMillis(s.nowFn().Add(-grace))

	s.mu.RLock()
	referenced := make(map[string]int, len(s.state.versions))
	for _, root := range s.state.samples {
		for idx, verKey := range root.Versions {
			referenced[verKey] = idx + 1
		}
	}
	var toPatch []string
	var toDelete []string
	for key, doc := range s.state.versions {
		version, ok := referenced[key]
		switch {
		case ok && doc.Version != version:
			toPatch = append(toPatch, key)
		case !ok && doc.SaveTime < cutoff:
			toDelete = append(toDelete, key)
		}
	}
	s.mu.RUnlock()

	for _, key := range toPatch {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return report, err
			}
		}
		s.mu.Lock()
		if version, ok := referenced[key]; ok {
			if doc, exists := s.state.versions[key]; exists && doc.Version != version {
				s.patchVersion(key, version)
				report.Patched++
			}
		}
		s.mu.Unlock()
	}

	for _, key := range toDelete {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return report, err
			}
		}
		s.mu.Lock()
		if doc, exists := s.state.versions[key]; exists {
			// Re-check: the save may have attached the root document since
			// the scan.
			attached := false
			if root, ok := s.state.samples[doc.SampleID]; ok {
				for _, verKey := range root.Versions {
					if verKey == key {
						attached = true
						break
					}
				}
			}
			if !attached {
				for _, nkey := range doc.Nodes {
					delete(s.state.nodes, nkey)
				}
				delete(s.state.versions, key)
				report.Orphaned++
			}
		}
		s.mu.Unlock()
	}
	return report, nil
}
