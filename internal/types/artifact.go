package types

import "fmt"

// ArtifactMap indexes rendered chunk artifacts by "unit{N}_{field}" with N
// 1-based. A key may hold several locators; consumers take the first.
type ArtifactMap map[string][]string

func ArtifactKey(unitNumber int, field string) string {
	return fmt.Sprintf("unit%d_%s", unitNumber, field)
}

func (m ArtifactMap) Add(key, locator string) {
	m[key] = append(m[key], locator)
}

// First returns the first locator registered under key, if any.
func (m ArtifactMap) First(key string) (string, bool) {
	locs := m[key]
	if len(locs) == 0 {
		return "", false
	}
	return locs[0], true
}
