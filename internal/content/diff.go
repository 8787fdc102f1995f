package content

import "sort"

// Changes is the difference between the deployed and the local manifest.
// Every slice is sorted.
type Changes struct {
	Added     []string
	Modified  []string
	Removed   []string
	Unchanged int
}

// Diff compares prev (what storage holds, empty on first deploy) with cur.
func Diff(prev, cur Manifest) Changes {
	var c Changes
	i, j := 0, 0
	pe, ce := prev.entries, cur.entries
	// both sides are sorted by path, merge them
	for i < len(pe) || j < len(ce) {
		switch {
		case j == len(ce) || (i < len(pe) && pe[i].Path < ce[j].Path):
			c.Removed = append(c.Removed, pe[i].Path)
			i++
		case i == len(pe) || ce[j].Path < pe[i].Path:
			c.Added = append(c.Added, ce[j].Path)
			j++
		default:
			if pe[i].Digest != ce[j].Digest {
				c.Modified = append(c.Modified, ce[j].Path)
			} else {
				c.Unchanged++
			}
			i++
			j++
		}
	}
	return c
}

// Uploads returns added and modified paths in order.
func (c Changes) Uploads() []string {
	return mergeSorted(c.Added, c.Modified)
}

// Touched returns every path that differs between the manifests.
func (c Changes) Touched() []string {
	return mergeSorted(mergeSorted(c.Added, c.Modified), c.Removed)
}

// Empty reports whether nothing differs.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Removed) == 0
}

func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	sort.Strings(out)
	return out
}
