package catalog

import "github.com/Eyevinn/moqsession/track"

// CodecConfig describes the codec and media parameters of one rendition.
// Fields are optional and ignored when not relevant to the codec's media
// kind (e.g. SampleRate/Channels for audio, Width/Height/Framerate/Bitrate
// /DisplayRatio/LowLatency for video).
type CodecConfig struct {
	Codec string `json:"codec"`

	// Audio
	SampleRate *int `json:"samplerate,omitempty"`
	Channels   *int `json:"channels,omitempty"`

	// Video
	Width        *int     `json:"width,omitempty"`
	Height       *int     `json:"height,omitempty"`
	Framerate    *float64 `json:"framerate,omitempty"`
	Bitrate      *int     `json:"bitrate,omitempty"`
	DisplayRatio string   `json:"displayRatio,omitempty"`
	LowLatency   bool     `json:"lowLatency,omitempty"`

	Description string `json:"description,omitempty"`
}

// MediaGroup is a "video" or "audio" section of a GroupedCatalog: a set of
// named renditions sharing a group priority.
type MediaGroup struct {
	Renditions map[string]CodecConfig `json:"renditions"`
	Priority   uint8                  `json:"priority"`
}

func (g *MediaGroup) findRendition(name string) bool {
	if g == nil {
		return false
	}
	_, ok := g.Renditions[name]
	return ok
}

// TrackRef names a single supplementary track (location, chat, preview).
type TrackRef struct {
	Track    string `json:"track,omitempty"`
	Name     string `json:"name,omitempty"`
	Priority uint8  `json:"priority"`
}

// UserInfo is the optional "user" section of a GroupedCatalog.
type UserInfo struct {
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// GroupedCatalog is the rendition-oriented catalog format: optional
// video/audio groups of named renditions, plus optional location/chat/
// preview track references and user metadata.
type GroupedCatalog struct {
	Video    *MediaGroup `json:"video,omitempty"`
	Audio    *MediaGroup `json:"audio,omitempty"`
	Location *TrackRef   `json:"location,omitempty"`
	Chat     *TrackRef   `json:"chat,omitempty"`
	Preview  *TrackRef   `json:"preview,omitempty"`
	User     *UserInfo   `json:"user,omitempty"`
}

// FindTrack reports whether name is a video/audio rendition or a
// location/chat/preview track reference.
func (c *GroupedCatalog) FindTrack(name string) bool {
	if c == nil {
		return false
	}
	if c.Video.findRendition(name) || c.Audio.findRendition(name) {
		return true
	}
	if c.Location != nil && c.Location.Track == name {
		return true
	}
	if c.Chat != nil && c.Chat.Track == name {
		return true
	}
	if c.Preview != nil && c.Preview.Name == name {
		return true
	}
	return false
}

// groupedFromTracks maps video/audio track definitions onto renditions
// under their kind, defaulting codec parameters when configs doesn't
// supply one. Data tracks other than the reserved catalog name are
// mapped into a single "preview" slot; last write wins per spec.md §4.1.
func groupedFromTracks(defs []track.Definition, configs map[string]CodecConfig) *GroupedCatalog {
	gc := &GroupedCatalog{}
	for _, d := range defs {
		if track.IsReserved(d.Name) {
			continue
		}
		switch d.Kind {
		case track.KindVideo:
			if gc.Video == nil {
				gc.Video = &MediaGroup{Renditions: map[string]CodecConfig{}, Priority: d.Priority}
			}
			gc.Video.Renditions[d.Name] = codecOrDefault(configs, d.Name, defaultVideoCodec)
		case track.KindAudio:
			if gc.Audio == nil {
				gc.Audio = &MediaGroup{Renditions: map[string]CodecConfig{}, Priority: d.Priority}
			}
			gc.Audio.Renditions[d.Name] = codecOrDefault(configs, d.Name, defaultAudioCodec)
		case track.KindData:
			gc.Preview = &TrackRef{Name: d.Name, Priority: d.Priority}
		}
	}
	return gc
}

func codecOrDefault(configs map[string]CodecConfig, name string, def func() CodecConfig) CodecConfig {
	if cc, ok := configs[name]; ok {
		return cc
	}
	return def()
}
