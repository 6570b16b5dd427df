// Package catalog parses and emits the two MoQ catalog wire formats used
// to describe the tracks of a broadcast: a flat list of track records, and
// a grouped document keyed by rendition. Both round-trip through standard
// JSON and both answer FindTrack for the track-membership checks the
// session layer needs.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Eyevinn/moqsession/track"
)

// Format selects which of the two wire shapes a Catalog is serialized as.
type Format int

const (
	FormatFlat Format = iota
	FormatGrouped
)

func (f Format) String() string {
	if f == FormatGrouped {
		return "grouped"
	}
	return "flat"
}

// ErrMalformed is returned when catalog bytes fail to parse as either
// supported format's JSON schema.
var ErrMalformed = errors.New("catalog: malformed")

// ErrUnknownFormat is returned by Parse when the document matches neither
// the flat nor the grouped shape.
var ErrUnknownFormat = errors.New("catalog: unknown format")

// Catalog is a tagged variant over the Flat and Grouped wire formats.
// Exactly one of Flat / Grouped is populated, selected by Format.
type Catalog struct {
	Format  Format
	Flat    *FlatCatalog
	Grouped *GroupedCatalog
}

// FindTrack reports whether name appears as a flat entry, a top-level
// track reference (location/chat/preview), or a rendition name.
func (c Catalog) FindTrack(name string) bool {
	switch c.Format {
	case FormatFlat:
		return c.Flat.FindTrack(name)
	case FormatGrouped:
		return c.Grouped.FindTrack(name)
	default:
		return false
	}
}

// Serialize marshals the catalog to its wire JSON.
func (c Catalog) Serialize() ([]byte, error) {
	switch c.Format {
	case FormatFlat:
		return json.Marshal(c.Flat)
	case FormatGrouped:
		return json.Marshal(c.Grouped)
	default:
		return nil, fmt.Errorf("catalog: serialize: %w", ErrUnknownFormat)
	}
}

// Parse decodes data as the given Format.
func Parse(format Format, data []byte) (Catalog, error) {
	switch format {
	case FormatFlat:
		var fc FlatCatalog
		if err := json.Unmarshal(data, &fc); err != nil {
			return Catalog{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Catalog{Format: FormatFlat, Flat: &fc}, nil
	case FormatGrouped:
		var gc GroupedCatalog
		if err := json.Unmarshal(data, &gc); err != nil {
			return Catalog{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Catalog{Format: FormatGrouped, Grouped: &gc}, nil
	default:
		return Catalog{}, fmt.Errorf("catalog: parse: %w", ErrUnknownFormat)
	}
}

// ParseAny auto-detects the format of data and parses it. Grouped is tried
// first since its root keys (video/audio/location/chat/user/preview) are
// disjoint from Flat's "tracks" key.
func ParseAny(data []byte) (Catalog, error) {
	if !json.Valid(data) {
		return Catalog{}, ErrMalformed
	}
	if looksGrouped(data) {
		return Parse(FormatGrouped, data)
	}
	if looksFlat(data) {
		return Parse(FormatFlat, data)
	}
	return Catalog{}, ErrUnknownFormat
}

func looksFlat(data []byte) bool {
	var probe struct {
		Tracks json.RawMessage `json:"tracks"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.Tracks != nil
}

func looksGrouped(data []byte) bool {
	var probe struct {
		Video    json.RawMessage `json:"video"`
		Audio    json.RawMessage `json:"audio"`
		Location json.RawMessage `json:"location"`
		Chat     json.RawMessage `json:"chat"`
		User     json.RawMessage `json:"user"`
		Preview  json.RawMessage `json:"preview"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.Video != nil || probe.Audio != nil || probe.Location != nil ||
		probe.Chat != nil || probe.User != nil || probe.Preview != nil
}

// defaultVideoCodec and defaultAudioCodec resolve spec.md's "Open
// Question" about grouped-catalog codec defaults: H.264 baseline 720p30
// for video, Opus 48kHz stereo for audio. Callers that need real values
// should supply them via FromTracksWithConfig instead of relying on these.
func defaultVideoCodec() CodecConfig {
	w, h, fr := 1280, 720, 30.0
	return CodecConfig{Codec: "avc1.42001f", Width: &w, Height: &h, Framerate: &fr}
}

func defaultAudioCodec() CodecConfig {
	sr, ch := 48000, 2
	return CodecConfig{Codec: "opus", SampleRate: &sr, Channels: &ch}
}

// FromTracks builds a Catalog of the given format from a set of track
// definitions, using default codec parameters for Grouped renditions.
func FromTracks(format Format, defs []track.Definition) Catalog {
	return FromTracksWithConfig(format, defs, nil)
}

// FromTracksWithConfig is FromTracks with caller-supplied codec
// configuration for the Grouped format, keyed by track name. Tracks absent
// from configs fall back to the package defaults.
func FromTracksWithConfig(format Format, defs []track.Definition, configs map[string]CodecConfig) Catalog {
	switch format {
	case FormatGrouped:
		return Catalog{Format: FormatGrouped, Grouped: groupedFromTracks(defs, configs)}
	default:
		return Catalog{Format: FormatFlat, Flat: flatFromTracks(defs)}
	}
}
