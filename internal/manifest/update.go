package manifest

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
)

// UpdatePolicy maps a delivered filename to the erase-policy tag from
// update.xml (e.g. "NOERASE").
type UpdatePolicy map[string]string

type updateXMLEntry struct {
	XMLName xml.Name
	Text    string `xml:",chardata"`
}

type updateXML struct {
	XMLName xml.Name          `xml:"UPDATE"`
	Entries []updateXMLEntry  `xml:",any"`
}

// ParseUpdateManifest parses update.xml under dir into a filename→tag
// map. Each child element's tag is the policy label; its text content
// is the filename it governs. A delivery directory with no update.xml
// carries no erase-policy exceptions, not an error.
func ParseUpdateManifest(dir string) (UpdatePolicy, error) {
	path := dir + string(os.PathSeparator) + "update.xml"
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return UpdatePolicy{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}

	var doc updateXML
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	if doc.XMLName.Local != "UPDATE" {
		return nil, &ParseError{Path: path, Err: fmt.Errorf("unexpected root %q, expected UPDATE", doc.XMLName.Local)}
	}

	policy := make(UpdatePolicy, len(doc.Entries))
	for _, e := range doc.Entries {
		policy[e.Text] = e.XMLName.Local
	}
	return policy, nil
}

// Lookup returns the policy tag for filename, or "" if update.xml does
// not mention it.
func (p UpdatePolicy) Lookup(filename string) string {
	return p[filename]
}

// SkipForNoErase reports whether a file tagged NOERASE should be
// skipped given the current erase_user_data setting.
func (p UpdatePolicy) SkipForNoErase(filename string, eraseUserData bool) bool {
	return p.Lookup(filename) == "NOERASE" && !eraseUserData
}
