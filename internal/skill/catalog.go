package skill

import "strings"

// Resource is one playable catalog entry.
type Resource struct {
	ID    string
	Title string
}

// Catalog resolves a spoken query to an ordered queue of resources. Real
// search and metadata extraction live outside this service; the gateway only
// needs a lookup it can fake in tests.
type Catalog interface {
	Search(query string) []Resource
}

// StaticCatalog is a fixed in-memory catalog matching on a case-insensitive
// substring of the title. An empty query returns the whole catalog.
type StaticCatalog struct {
	entries []Resource
}

// NewStaticCatalog returns a catalog over the given entries.
func NewStaticCatalog(entries []Resource) *StaticCatalog {
	return &StaticCatalog{entries: entries}
}

// Search implements Catalog.Search.
func (c *StaticCatalog) Search(query string) []Resource {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return append([]Resource(nil), c.entries...)
	}
	var out []Resource
	for _, e := range c.entries {
		if strings.Contains(strings.ToLower(e.Title), query) {
			out = append(out, e)
		}
	}
	return out
}
