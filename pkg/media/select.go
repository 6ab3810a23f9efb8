package media

// BestStream picks the rendition to play from set.
//
// Only audio-carrying streams are considered. Streams flagged as the default
// audio track are preferred; if none are flagged the whole audio set is used.
// Within that group opus-only audio beats other audio-only codecs, which beat
// streams that also carry video, and the highest bitrate wins inside the first
// non-empty class. The set's normalisation volume is attached to the result.
//
// BestStream returns nil when set has no audio-carrying stream.
func BestStream(set *StreamSet) *Stream {
	if set == nil {
		return nil
	}

	audio := make([]*Stream, 0, len(set.Streams))
	var defaults []*Stream
	for _, s := range set.Streams {
		if s == nil || !s.HasAudio {
			continue
		}
		audio = append(audio, s)
		if s.DefaultAudioTrack {
			defaults = append(defaults, s)
		}
	}

	best := bestOf(defaults)
	if best == nil {
		best = bestOf(audio)
	}
	if best != nil {
		best.Volume = set.Volume
	}
	return best
}

// bestOf returns the highest-bitrate stream of the most preferred non-empty
// class in streams. Ties keep the earliest stream.
func bestOf(streams []*Stream) *Stream {
	var opus, audio, other []*Stream
	for _, s := range streams {
		switch {
		case s.HasVideo:
			other = append(other, s)
		case s.Codecs == "opus":
			opus = append(opus, s)
		default:
			audio = append(audio, s)
		}
	}

	pick := other
	if len(opus) > 0 {
		pick = opus
	} else if len(audio) > 0 {
		pick = audio
	}

	var best *Stream
	for _, s := range pick {
		if best == nil || s.Bitrate > best.Bitrate {
			best = s
		}
	}
	return best
}
