package negotiation

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// Rewriter applies the local bandwidth and codec preferences to outgoing
// session descriptions. The result depends only on the input and the
// rewriter's fields, and rewriting twice yields the same description.
type Rewriter struct {
	// MaxBitrateKbps caps video sections. Zero leaves bandwidth untouched.
	MaxBitrateKbps uint64
	// PreferredCodec is moved to the front of every section that offers it.
	PreferredCodec string
}

func (w Rewriter) Rewrite(desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return desc, fmt.Errorf("parse %s: %w", desc.Type, err)
	}
	for _, media := range parsed.MediaDescriptions {
		if media.MediaName.Media == "video" && w.MaxBitrateKbps > 0 {
			setBandwidth(media, w.MaxBitrateKbps)
		}
		if w.PreferredCodec != "" {
			preferCodec(media, w.PreferredCodec)
		}
	}
	out, err := parsed.Marshal()
	if err != nil {
		return desc, fmt.Errorf("marshal %s: %w", desc.Type, err)
	}
	desc.SDP = string(out)
	return desc, nil
}

func setBandwidth(media *sdp.MediaDescription, kbps uint64) {
	kept := media.Bandwidth[:0]
	for _, b := range media.Bandwidth {
		if b.Type != "AS" && b.Type != "TIAS" {
			kept = append(kept, b)
		}
	}
	media.Bandwidth = append(kept,
		sdp.Bandwidth{Type: "AS", Bandwidth: kbps},
		sdp.Bandwidth{Type: "TIAS", Bandwidth: kbps * 1000},
	)
}

// preferCodec reorders the payload types of media so the ones mapped to
// codec come first, keeping the relative order within both groups.
func preferCodec(media *sdp.MediaDescription, codec string) {
	preferred := make(map[string]bool)
	for _, a := range media.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		pt, encoding, ok := strings.Cut(a.Value, " ")
		if !ok {
			continue
		}
		name, _, _ := strings.Cut(encoding, "/")
		if strings.EqualFold(name, codec) {
			preferred[pt] = true
		}
	}
	if len(preferred) == 0 {
		return
	}
	formats := make([]string, 0, len(media.MediaName.Formats))
	for _, f := range media.MediaName.Formats {
		if preferred[f] {
			formats = append(formats, f)
		}
	}
	for _, f := range media.MediaName.Formats {
		if !preferred[f] {
			formats = append(formats, f)
		}
	}
	media.MediaName.Formats = formats
}
