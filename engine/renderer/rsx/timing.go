package rsx

import (
	"time"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// TimingStats accumulates the cost of each draw stage over one frame.
type TimingStats struct {
	DrawCalls         int
	DrawCallsDuration time.Duration
	ProgramLoad       time.Duration
	PrepareRTT        time.Duration
	VertexIndex       time.Duration
	BufferUploadSize  uint64
	Constants         time.Duration
	Texture           time.Duration
	Flip              time.Duration
}

func (t *TimingStats) Reset() {
	*t = TimingStats{}
}

// WriteJSON writes the stats as one JSON object, durations in microseconds.
func (t TimingStats) WriteJSON(w *jwriter.Writer) {
	obj := w.Object()
	defer obj.End()

	obj.Name("draw_calls").Int(t.DrawCalls)
	obj.Name("draw_calls_us").Int(int(t.DrawCallsDuration.Microseconds()))
	obj.Name("program_load_us").Int(int(t.ProgramLoad.Microseconds()))
	obj.Name("prepare_rtt_us").Int(int(t.PrepareRTT.Microseconds()))
	obj.Name("vertex_index_us").Int(int(t.VertexIndex.Microseconds()))
	obj.Name("buffer_upload_bytes").Int(int(t.BufferUploadSize))
	obj.Name("constants_us").Int(int(t.Constants.Microseconds()))
	obj.Name("texture_us").Int(int(t.Texture.Microseconds()))
	obj.Name("flip_us").Int(int(t.Flip.Microseconds()))
}

func (t TimingStats) JSON() []byte {
	w := jwriter.NewWriter()
	t.WriteJSON(&w)
	return w.Bytes()
}

// stopwatch adds the time elapsed since its creation to a duration.
type stopwatch time.Time

func startWatch() stopwatch {
	return stopwatch(time.Now())
}

func (s stopwatch) addTo(d *time.Duration) {
	*d += time.Since(time.Time(s))
}
