// SPDX-License-Identifier: MIT

package mixer

import "sort"

// branchPlan is the diff between the running compositor inputs and the
// slots of the scene being applied. Branches are added before the
// transition starts and removed only after it completes, so outgoing
// sources stay visible while fading.
type branchPlan struct {
	Add    []Slot   // slots with no branch yet
	Keep   []Slot   // slots whose branch survives, with updated geometry
	Remove []string // stream paths no longer referenced
}

// planBranches diffs the attached stream paths against the target scene.
func planBranches(attached map[string]struct{}, target *Scene) branchPlan {
	var plan branchPlan
	want := make(map[string]struct{}, len(target.Slots))

	for _, slot := range target.Slots {
		path := slot.Source.StreamPath()
		want[path] = struct{}{}
		if _, ok := attached[path]; ok {
			plan.Keep = append(plan.Keep, slot)
		} else {
			plan.Add = append(plan.Add, slot)
		}
	}
	for path := range attached {
		if _, ok := want[path]; !ok {
			plan.Remove = append(plan.Remove, path)
		}
	}
	sort.Strings(plan.Remove)
	return plan
}
