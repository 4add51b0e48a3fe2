package visitkey

import "sort"

// DuplicateGroup lists the batch positions that share a key.
type DuplicateGroup struct {
	Key     string
	Indices []int
}

// DetectDuplicates groups visits by their generated key and returns the groups
// with more than one member, ordered by first occurrence. Visits whose key
// cannot be generated are left out; they fail on their own during submission.
func DetectDuplicates(visits []Components) []DuplicateGroup {
	byKey := make(map[string][]int, len(visits))
	for i, v := range visits {
		key, err := Generate(v)
		if err != nil {
			continue
		}
		byKey[key] = append(byKey[key], i)
	}

	groups := make([]DuplicateGroup, 0)
	for key, indices := range byKey {
		if len(indices) > 1 {
			groups = append(groups, DuplicateGroup{Key: key, Indices: indices})
		}
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Indices[0] < groups[j].Indices[0]
	})
	return groups
}

// Duplicates returns the positions that repeat an earlier key, which is the
// set a batch should not send.
func Duplicates(groups []DuplicateGroup) map[int]string {
	out := make(map[int]string)
	for _, g := range groups {
		for _, idx := range g.Indices[1:] {
			out[idx] = g.Key
		}
	}
	return out
}
