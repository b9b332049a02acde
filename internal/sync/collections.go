package sync

import (
	"sort"
	"strings"

	"emperror.dev/errors"
)

// Collection names one part of a repository archive
type Collection string

const (
	CollectionRepo       Collection = "repo"
	CollectionWiki       Collection = "wiki"
	CollectionIssues     Collection = "issues"
	CollectionLabels     Collection = "labels"
	CollectionMilestones Collection = "milestones"
	CollectionPulls      Collection = "pulls"
	CollectionReleases   Collection = "releases"
)

// AllCollections lists every collection in the order they are archived
var AllCollections = []Collection{
	CollectionRepo,
	CollectionWiki,
	CollectionIssues,
	CollectionLabels,
	CollectionMilestones,
	CollectionPulls,
	CollectionReleases,
}

// Collections is the set of collections to archive. A nil set means all.
type Collections map[Collection]bool

// ParseCollections builds a set from names; no names selects everything
func ParseCollections(names []string) (Collections, error) {
	if len(names) == 0 {
		return nil, nil
	}

	known := make(map[Collection]bool, len(AllCollections))
	for _, c := range AllCollections {
		known[c] = true
	}

	set := make(Collections)
	for _, name := range names {
		c := Collection(strings.ToLower(strings.TrimSpace(name)))
		if c == "" {
			continue
		}
		if !known[c] {
			return nil, errors.Errorf("unknown collection %q", name)
		}
		set[c] = true
	}
	if len(set) == 0 {
		return nil, nil
	}
	return set, nil
}

// Has reports whether c is selected
func (cs Collections) Has(c Collection) bool {
	return cs == nil || cs[c]
}

func (cs Collections) String() string {
	if cs == nil {
		return "all"
	}
	names := make([]string, 0, len(cs))
	for c := range cs {
		names = append(names, string(c))
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
