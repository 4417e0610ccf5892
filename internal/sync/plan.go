package sync

import (
	"github.com/customlauncher/patchsync/internal/hasher"
	"github.com/customlauncher/patchsync/internal/manifest"
	"github.com/customlauncher/patchsync/internal/platform"
)

// Applicable returns the entries that apply to host, in manifest order
func Applicable(m *manifest.Manifest, host platform.Tag) []manifest.Entry {
	out := make([]manifest.Entry, 0, m.Len())
	for _, e := range m.Entries {
		if e.AppliesTo(host) {
			out = append(out, e)
		}
	}
	return out
}

// BuildPlan selects the entries that must be synced on host. An applicable
// entry is selected when its file is missing, unreadable, or its digest
// differs from the manifest (ignoring case). Items follow manifest order so
// identical inputs always produce identical plans.
func BuildPlan(m *manifest.Manifest, states []LocalFileState, host platform.Tag) *Plan {
	byKey := make(map[string]LocalFileState, len(states))
	for _, s := range states {
		byKey[s.Key] = s
	}

	plan := &Plan{
		Items:   make([]PlanItem, 0),
		Skipped: make([]string, 0),
	}

	for _, e := range m.Entries {
		if len(e.Platforms) == 0 {
			plan.Skipped = append(plan.Skipped, e.Key)
			continue
		}
		if !e.AppliesTo(host) {
			plan.Foreign++
			continue
		}

		local, ok := byKey[e.Key]
		switch {
		case !ok || !local.Exists:
			plan.Items = append(plan.Items, PlanItem{Entry: e, Reason: ReasonMissing})
		case local.Err != nil || !hasher.Equal(local.Hash, e.Hash):
			plan.Items = append(plan.Items, PlanItem{Entry: e, Reason: ReasonStale})
		default:
			plan.UpToDate++
		}
	}

	return plan
}
