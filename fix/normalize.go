package fix

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/veldt/mend/amf"
	"github.com/veldt/mend/media"
	"github.com/veldt/mend/pipeline"
)

const (
	// metadataName is the script document players read stream
	// properties from.
	metadataName = "onMetaData"

	// indexScriptName is the trailing seek index appended by sinks
	// that cannot patch in place. It is recomputed on every pass, so
	// the normalizer drops an incoming one without counting it.
	indexScriptName = "onKeyframeIndex"
)

// naturalMetadataOrder is the property layout players expect in
// onMetaData. Missing keys are filled with defaults in this order;
// keyframes always comes last so the seek index sits at a predictable
// place for in-place patching.
var naturalMetadataOrder = []string{
	"duration",
	"width",
	"height",
	"framerate",
	"videocodecid",
	"audiocodecid",
	"hasAudio",
	"hasVideo",
	"hasMetadata",
	"hasKeyframes",
	"canSeekToEnd",
	"datasize",
	"filesize",
	"audiosize",
	"audiodatarate",
	"audiosamplerate",
	"audiosamplesize",
	"stereo",
	"videosize",
	"videodatarate",
	"lasttimestamp",
	"lastkeyframelocation",
	"lastkeyframetimestamp",
	"metadatacreator",
	"metadatadate",
	"keyframes",
}

func naturalKey(key string) bool {
	for _, k := range naturalMetadataOrder {
		if k == key {
			return true
		}
	}
	return false
}

func metadataDefault(key string, now func() time.Time) (amf.Value, bool) {
	switch key {
	case "hasAudio", "hasVideo", "hasMetadata", "stereo",
		"hasKeyframes", "canSeekToEnd":
		return amf.Bool(true), true
	case "duration", "width", "height", "datasize", "filesize",
		"audiosize", "videosize", "lasttimestamp",
		"lastkeyframelocation", "lastkeyframetimestamp":
		return amf.Number(0), true
	case "videocodecid":
		return amf.Number(7), true // AVC
	case "audiocodecid":
		return amf.Number(10), true // AAC
	case "audiosamplerate":
		return amf.Number(44100), true
	case "audiosamplesize":
		return amf.Number(16), true
	case "audiodatarate":
		return amf.Number(128), true
	case "videodatarate":
		return amf.Number(1000), true
	case "framerate":
		return amf.Number(30), true
	case "metadatacreator":
		return amf.String("mend"), true
	case "metadatadate":
		return amf.String(now().UTC().Format(time.RFC3339)), true
	default:
		return nil, false
	}
}

// Normalize puts the stream envelope in order: it synthesizes a header
// when the source never sent one, drops duplicate headers and redundant
// metadata re-announcements, rebuilds the lead metadata document with
// the properties players require, and replaces malformed metadata with
// a minimal valid document. With index injection enabled it also
// reserves the keyframes placeholder the sink later fills.
type Normalize struct {
	log          *slog.Logger
	stats        *pipeline.Stats
	inject       bool
	indexEntries int
	now          func() time.Time

	sawHeader bool
	sawScript bool
}

// NewNormalize creates the envelope normalizer. indexBudget sizes the
// reserved keyframes placeholder when inject is set.
func NewNormalize(ctx *pipeline.Context, inject bool, indexBudget time.Duration) *Normalize {
	n := &Normalize{
		log:    ctx.Log.With("operator", "normalize"),
		stats:  &ctx.Stats,
		inject: inject,
		now:    time.Now,
	}
	if inject {
		n.indexEntries = placeholderEntries(indexBudget)
	}
	return n
}

func (n *Normalize) Name() string { return "normalize" }

func (n *Normalize) Process(unit media.Unit) ([]media.Unit, error) {
	switch u := unit.(type) {
	case *media.Header:
		if n.sawHeader {
			n.stats.HeadersDropped.Add(1)
			n.log.Debug("dropping duplicate stream header")
			return nil, nil
		}
		n.sawHeader = true
		return []media.Unit{u}, nil
	case *media.AudioSample, *media.VideoSample:
		return n.withHeader(unit), nil
	case *media.ScriptData:
		return n.script(u), nil
	case *media.EndOfStream, *media.SplitMarker, *media.KeyframeIndex:
		return []media.Unit{unit}, nil
	default:
		return nil, fmt.Errorf("%w: %T", pipeline.ErrUnknownUnit, unit)
	}
}

func (n *Normalize) Flush() ([]media.Unit, error) { return nil, nil }

// withHeader prepends a synthesized header the first time a unit shows
// up before any header did.
func (n *Normalize) withHeader(u media.Unit) []media.Unit {
	if n.sawHeader {
		return []media.Unit{u}
	}
	n.sawHeader = true
	n.stats.HeadersSynthesized.Add(1)
	n.log.Info("no stream header before first unit, synthesizing one")
	hdr := &media.Header{Version: 1, HasAudio: true, HasVideo: true}
	return []media.Unit{hdr, u}
}

func (n *Normalize) script(u *media.ScriptData) []media.Unit {
	if u.Name == indexScriptName {
		return nil
	}

	doc, isDoc := u.Value.(*amf.Object)
	malformed := u.Name == "" || !isDoc
	if !malformed && u.Name != metadataName {
		// Cue points and other script events are data, not metadata.
		return n.withHeader(u)
	}
	if n.sawScript {
		n.stats.MetadataDropped.Add(1)
		n.log.Debug("dropping redundant metadata script", "name", u.Name)
		return nil
	}
	n.sawScript = true

	repaired := false
	if malformed {
		n.log.Warn("replacing malformed metadata script", "name", u.Name)
		n.stats.MetadataRepaired.Add(1)
		repaired = true
		u.Name = metadataName
		doc = amf.NewObject(false)
		doc.Set("duration", amf.Number(0))
	}

	filled, changed := n.fill(doc)
	if changed && !repaired {
		n.stats.MetadataRepaired.Add(1)
		n.log.Debug("filled missing metadata properties")
	}
	u.Value = filled
	return n.withHeader(u)
}

// fill rebuilds the metadata document in natural key order, keeping
// present values, adding defaults for missing ones and carrying custom
// keys over behind the standard set. The returned flag reports whether
// anything material was added or replaced.
func (n *Normalize) fill(doc *amf.Object) (*amf.Object, bool) {
	out := amf.NewObject(false)
	changed := false

	for _, key := range naturalMetadataOrder {
		if key == "keyframes" {
			continue
		}
		if v, ok := doc.Get(key); ok {
			out.Set(key, v)
			continue
		}
		if v, ok := metadataDefault(key, n.now); ok {
			out.Set(key, v)
			changed = true
		}
	}
	for _, p := range doc.Pairs {
		if !naturalKey(p.Key) {
			out.Set(p.Key, p.Value)
		}
	}

	kf, hasKF := doc.Get("keyframes")
	switch {
	case !n.inject:
		if hasKF {
			// A leftover index points at byte offsets from before this
			// pass; without injection nothing will refresh it.
			changed = true
		}
	case hasKF && hasSpacer(kf):
		out.Set("keyframes", kf)
	default:
		// Absent, or a foreign index pointing at pre-repair offsets.
		out.Set("keyframes", n.placeholder())
		changed = true
	}
	return out, changed
}

// hasSpacer reports whether the keyframes object is a reservation this
// pipeline made: times, filepositions and the spare capacity array.
func hasSpacer(v amf.Value) bool {
	obj, ok := v.(*amf.Object)
	return ok && obj.Has("spacer")
}

// placeholder builds an empty keyframes reservation. The spacer array
// holds the capacity; filling the index moves entries from the spacer
// into times and filepositions without changing the document's size.
func (n *Normalize) placeholder() *amf.Object {
	kf := amf.NewObject(false)
	kf.Set("times", amf.Array{})
	kf.Set("filepositions", amf.Array{})
	spacer := make(amf.Array, n.indexEntries)
	for i := range spacer {
		spacer[i] = amf.Number(math.NaN())
	}
	kf.Set("spacer", spacer)
	return kf
}
