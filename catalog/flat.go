package catalog

import "github.com/Eyevinn/moqsession/track"

// FlatEntry is one record of the Flat catalog format.
type FlatEntry struct {
	Type      string `json:"type"`
	TrackName string `json:"trackName"`
	Priority  uint8  `json:"priority"`
}

// FlatCatalog is the ordered-list catalog format:
// {"tracks": [{"type": "...", "trackName": "...", "priority": N}, ...]}.
type FlatCatalog struct {
	Tracks []FlatEntry `json:"tracks"`
}

// FindTrack reports whether name appears as a flat entry.
func (c *FlatCatalog) FindTrack(name string) bool {
	if c == nil {
		return false
	}
	for _, e := range c.Tracks {
		if e.TrackName == name {
			return true
		}
	}
	return false
}

func flatFromTracks(defs []track.Definition) *FlatCatalog {
	fc := &FlatCatalog{Tracks: make([]FlatEntry, 0, len(defs))}
	for _, d := range defs {
		if track.IsReserved(d.Name) {
			continue
		}
		fc.Tracks = append(fc.Tracks, FlatEntry{
			Type:      d.Kind.String(),
			TrackName: d.Name,
			Priority:  d.Priority,
		})
	}
	return fc
}
