package entities

import (
	"fmt"
	"sort"
	"strings"
)

// ReconcileResult reports what a reconciliation did to one owner's rows
type ReconcileResult struct {
	Kind    AssociationKind `json:"kind"`
	OwnerID string          `json:"ownerId"`
	Added   []string        `json:"added"`
	Kept    []string        `json:"kept"`
	Removed []string        `json:"removed"`

	// Race outcomes absorbed during the call
	SkippedAdds    int `json:"skippedAdds"`    // target already inserted by a concurrent writer
	VanishedKeeps  int `json:"vanishedKeeps"`  // kept row deleted by a concurrent writer
	MissingRemoves int `json:"missingRemoves"` // row to remove was already gone
}

// Changed reports whether any row was inserted or deleted
func (r *ReconcileResult) Changed() bool {
	return len(r.Added) > 0 || len(r.Removed) > 0
}

// RaceOutcomes returns the total number of absorbed race outcomes
func (r *ReconcileResult) RaceOutcomes() int {
	return r.SkippedAdds + r.VanishedKeeps + r.MissingRemoves
}

// String returns a short summary such as "role_habilitation R1: +1 -1 =2"
func (r *ReconcileResult) String() string {
	return fmt.Sprintf("%s %s: +%d -%d =%d", r.Kind, r.OwnerID, len(r.Added), len(r.Removed), len(r.Kept))
}

// CleanTargetIDs drops blank entries, trims whitespace and deduplicates.
// The returned slice is sorted and never nil.
func CleanTargetIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	cleaned := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		cleaned = append(cleaned, id)
	}
	sort.Strings(cleaned)
	return cleaned
}

// SetDiff splits requested and existing into the ids to add, keep and remove.
// Both inputs are treated as sets; every output is sorted and never nil.
func SetDiff(requested, existing []string) (toAdd, toKeep, toRemove []string) {
	existingSet := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		existingSet[id] = struct{}{}
	}
	requestedSet := make(map[string]struct{}, len(requested))
	for _, id := range requested {
		requestedSet[id] = struct{}{}
	}

	toAdd, toKeep, toRemove = []string{}, []string{}, []string{}
	for id := range requestedSet {
		if _, ok := existingSet[id]; ok {
			toKeep = append(toKeep, id)
		} else {
			toAdd = append(toAdd, id)
		}
	}
	for id := range existingSet {
		if _, ok := requestedSet[id]; !ok {
			toRemove = append(toRemove, id)
		}
	}

	sort.Strings(toAdd)
	sort.Strings(toKeep)
	sort.Strings(toRemove)
	return toAdd, toKeep, toRemove
}
