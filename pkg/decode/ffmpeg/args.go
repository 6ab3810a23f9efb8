package ffmpeg

import (
	"math"
	"strconv"
	"strings"
	"time"
)

const bandCount = 15

// bandFrequencies are the centre frequencies of the equalizer bands in Hz.
var bandFrequencies = [bandCount]float64{
	25, 40, 63, 100, 160, 250, 400, 630, 1000, 1600, 2500, 4000, 6300, 10000, 16000,
}

// filters is the audio processing requested for a session. The zero value
// is not neutral; use defaultFilters.
type filters struct {
	volume       float64
	rate         float64
	tempo        float64
	tremoloDepth float64
	tremoloRate  float64
	bands        [bandCount]float64
}

func defaultFilters() filters {
	return filters{volume: 1, rate: 1, tempo: 1, tremoloRate: 2}
}

// neutral reports whether the source can be forwarded unchanged.
func (f filters) neutral() bool {
	return f.volume == 1 && f.graph() == ""
}

// speed is the playback speed relative to the source.
func (f filters) speed() float64 {
	return f.rate * f.tempo
}

// graph returns the ffmpeg -af filter graph, or "" when no filter applies.
// Volume is applied in software and is not part of the graph.
func (f filters) graph() string {
	var parts []string
	if f.rate != 1 {
		parts = append(parts,
			"aresample=48000",
			"asetrate="+strconv.Itoa(int(math.Round(48000*f.rate))),
			"aresample=48000")
	}
	if f.tempo != 1 {
		parts = append(parts, atempoChain(f.tempo)...)
	}
	if f.tremoloDepth > 0 {
		parts = append(parts, "tremolo=f="+formatFloat(f.tremoloRate)+":d="+formatFloat(f.tremoloDepth))
	}
	for i, gain := range f.bands {
		if gain == 0 {
			continue
		}
		parts = append(parts, "equalizer=f="+formatFloat(bandFrequencies[i])+
			":t=o:w=1:g="+formatFloat(gainDB(gain)))
	}
	return strings.Join(parts, ",")
}

// atempoChain splits tempo into atempo stages inside the [0.5, 2] range
// every ffmpeg version accepts.
func atempoChain(tempo float64) []string {
	var out []string
	for tempo > 2 {
		out = append(out, "atempo=2")
		tempo /= 2
	}
	for tempo < 0.5 {
		out = append(out, "atempo=0.5")
		tempo /= 0.5
	}
	return append(out, "atempo="+formatFloat(tempo))
}

// gainDB converts a band multiplier offset (0 unchanged, 1 double, -0.25
// three quarters) to decibels.
func gainDB(gain float64) float64 {
	return math.Round(20*math.Log10(1+gain)*100) / 100
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// runParams describes one ffmpeg invocation.
type runParams struct {
	url        string
	isFile     bool
	reconnect  bool
	startAt    time.Duration
	copy       bool
	graph      string
	channels   int
	sampleRate int
}

// buildArgs returns the ffmpeg command line for p.
func buildArgs(p runParams) []string {
	args := []string{"-hide_banner", "-nostdin", "-nostats", "-loglevel", "info"}
	if p.reconnect && !p.isFile {
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_on_network_error", "1",
			"-reconnect_delay_max", "5")
	}
	if p.startAt > 0 {
		args = append(args, "-ss", formatFloat(p.startAt.Seconds()))
	}
	args = append(args, "-i", p.url, "-vn", "-map", "0:a:0")

	if p.copy {
		return append(args, "-c:a", "copy", "-f", "ogg", "pipe:1")
	}
	if p.graph != "" {
		args = append(args, "-af", p.graph)
	}
	return append(args,
		"-f", "s16le",
		"-ar", strconv.Itoa(p.sampleRate),
		"-ac", strconv.Itoa(p.channels),
		"pipe:1")
}
