package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Eyevinn/moqsession/track"
)

func defs() []track.Definition {
	return []track.Definition{
		{Name: "hd", Priority: 1, Kind: track.KindVideo},
		{Name: "audio-stereo", Priority: 1, Kind: track.KindAudio},
		{Name: "subs", Priority: 0, Kind: track.KindData},
	}
}

func TestFlatRoundTrip(t *testing.T) {
	c := FromTracks(FormatFlat, defs())
	data, err := c.Serialize()
	require.NoError(t, err)

	parsed, err := Parse(FormatFlat, data)
	require.NoError(t, err)
	require.Equal(t, c.Flat, parsed.Flat)
}

func TestGroupedRoundTrip(t *testing.T) {
	c := FromTracks(FormatGrouped, defs())
	data, err := c.Serialize()
	require.NoError(t, err)

	parsed, err := Parse(FormatGrouped, data)
	require.NoError(t, err)
	require.Equal(t, c.Grouped, parsed.Grouped)
}

func TestFromTracksFindTrack(t *testing.T) {
	for _, format := range []Format{FormatFlat, FormatGrouped} {
		c := FromTracks(format, defs())
		for _, d := range defs() {
			require.True(t, c.FindTrack(d.Name), "format=%s track=%s", format, d.Name)
		}
		require.False(t, c.FindTrack("nonexistent"))
	}
}

func TestFromTracksSkipsReservedCatalogName(t *testing.T) {
	withCatalog := append(defs(), track.Definition{Name: track.CatalogJSON, Priority: 255, Kind: track.KindData})
	c := FromTracks(FormatFlat, withCatalog)
	require.False(t, c.FindTrack(track.CatalogJSON))
}

func TestGroupedDefaultCodecParams(t *testing.T) {
	c := FromTracks(FormatGrouped, defs())
	vr := c.Grouped.Video.Renditions["hd"]
	require.Equal(t, "avc1.42001f", vr.Codec)
	require.Equal(t, 1280, *vr.Width)
	require.Equal(t, 720, *vr.Height)

	ar := c.Grouped.Audio.Renditions["audio-stereo"]
	require.Equal(t, "opus", ar.Codec)
	require.Equal(t, 48000, *ar.SampleRate)
	require.Equal(t, 2, *ar.Channels)
}

func TestFromTracksWithConfigOverridesDefaults(t *testing.T) {
	custom := CodecConfig{Codec: "av01.0.04M.08"}
	c := FromTracksWithConfig(FormatGrouped, defs(), map[string]CodecConfig{"hd": custom})
	require.Equal(t, custom, c.Grouped.Video.Renditions["hd"])
}

func TestParseAnyDetectsFormat(t *testing.T) {
	flatData, err := FromTracks(FormatFlat, defs()).Serialize()
	require.NoError(t, err)
	parsed, err := ParseAny(flatData)
	require.NoError(t, err)
	require.Equal(t, FormatFlat, parsed.Format)

	groupedData, err := FromTracks(FormatGrouped, defs()).Serialize()
	require.NoError(t, err)
	parsed, err = ParseAny(groupedData)
	require.NoError(t, err)
	require.Equal(t, FormatGrouped, parsed.Format)
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse(FormatFlat, []byte(`{not json`))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseAnyUnknownFormat(t *testing.T) {
	_, err := ParseAny([]byte(`{"unrelated": true}`))
	require.ErrorIs(t, err, ErrUnknownFormat)
}
