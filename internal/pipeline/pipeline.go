// Package pipeline is the receive-side playout path. It forwards received
// chunks to a decoder while tracking decode-queue depth, holds decoded video
// frames in a render buffer until their presentation time, and measures
// end-to-end latency from the capture clock carried with each chunk.
package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/moqlink/internal/media"
	"github.com/zsiec/moqlink/internal/packager"
	"github.com/zsiec/moqlink/internal/timing"
)

// Decoder is the codec the pipeline feeds. Decoded output is reported back
// through Pipeline.Decoded and Pipeline.AddFrame.
type Decoder interface {
	Decode(c *media.Chunk) error
}

// Frame is a decoded video frame waiting to be rendered.
type Frame struct {
	Timestamp int64 // µs
	Image     any
	// Release frees the frame when it is dropped without being rendered.
	Release func()
}

// Config configures a Pipeline.
type Config struct {
	// DecodeQueueWarnMs logs a warning when a decode queue holds more media
	// than this. Zero disables the warning.
	DecodeQueueWarnMs int64
	Log               *slog.Logger
}

// Pipeline bridges a Receiver's chunk channel and a Decoder. Run is the
// only goroutine that feeds the decoder; Decoded, AddFrame and Render may
// be called from decoder and render goroutines.
type Pipeline struct {
	log   *slog.Logger
	cfg   Config
	input <-chan *media.Chunk
	dec   Decoder

	videoQueue timing.TsQueue
	audioQueue timing.TsQueue
	clock      timing.ClockChecker
	render     *timing.RenderBuffer[Frame]

	videoForwarded  atomic.Int64
	audioForwarded  atomic.Int64
	dataForwarded   atomic.Int64
	decodeErrors    atomic.Int64
	gateDiscarded   atomic.Int64
	renderDropped   atomic.Int64
	renderDiscarded atomic.Int64
	rendered        atomic.Int64
	lastLatencyMs   atomic.Int64
	queueWarned     atomic.Bool
}

// New returns a Pipeline reading chunks from input.
func New(input <-chan *media.Chunk, dec Decoder, cfg Config) *Pipeline {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Pipeline{
		log:    cfg.Log.With("component", "playout"),
		cfg:    cfg,
		input:  input,
		dec:    dec,
		render: timing.NewRenderBuffer(releaseFrame),
	}
}

func releaseFrame(f Frame) {
	if f.Release != nil {
		f.Release()
	}
}

// Stats is a point-in-time view of the pipeline.
type Stats struct {
	VideoForwarded  int64 `json:"videoForwarded"`
	AudioForwarded  int64 `json:"audioForwarded"`
	DataForwarded   int64 `json:"dataForwarded"`
	DecodeErrors    int64 `json:"decodeErrors"`
	GateDiscarded   int64 `json:"gateDiscarded"`
	VideoQueueLen   int   `json:"videoQueueLen"`
	VideoQueueMs    int64 `json:"videoQueueMs"`
	AudioQueueLen   int   `json:"audioQueueLen"`
	AudioQueueMs    int64 `json:"audioQueueMs"`
	RenderBuffered  int   `json:"renderBuffered"`
	RenderDropped   int64 `json:"renderDropped"`
	RenderDiscarded int64 `json:"renderDiscarded"`
	Rendered        int64 `json:"rendered"`
	LastLatencyMs   int64 `json:"lastLatencyMs"`
}

// Stats returns the current counters and queue depths.
func (p *Pipeline) Stats() Stats {
	return Stats{
		VideoForwarded:  p.videoForwarded.Load(),
		AudioForwarded:  p.audioForwarded.Load(),
		DataForwarded:   p.dataForwarded.Load(),
		DecodeErrors:    p.decodeErrors.Load(),
		GateDiscarded:   p.gateDiscarded.Load(),
		VideoQueueLen:   p.videoQueue.Len(),
		VideoQueueMs:    p.videoQueue.DurationMs(),
		AudioQueueLen:   p.audioQueue.Len(),
		AudioQueueMs:    p.audioQueue.DurationMs(),
		RenderBuffered:  p.render.Len(),
		RenderDropped:   p.renderDropped.Load(),
		RenderDiscarded: p.renderDiscarded.Load(),
		Rendered:        p.rendered.Load(),
		LastLatencyMs:   p.lastLatencyMs.Load(),
	}
}

// Run forwards chunks to the decoder until ctx is done or the input closes.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.reset()
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-p.input:
			if !ok {
				p.log.Info("input closed")
				return nil
			}
			p.forward(c)
		}
	}
}

// micros converts v in the chunk's timebase to microseconds.
func micros(c *media.Chunk, v int64) int64 {
	if c.Timebase == 0 {
		return v
	}
	return packager.Rescale(v, c.Timebase, 1_000_000)
}

func (p *Pipeline) queue(kind media.Kind) *timing.TsQueue {
	switch kind {
	case media.KindVideo:
		return &p.videoQueue
	case media.KindAudio:
		return &p.audioQueue
	}
	return nil
}

func (p *Pipeline) forward(c *media.Chunk) {
	if c.Discarded > 0 {
		p.gateDiscarded.Add(int64(c.Discarded))
		// The decoder restarts from this key chunk; anything still queued
		// for render belongs to the broken sequence.
		if c.Kind == media.KindVideo {
			p.render.Clear()
			p.videoQueue.Clear()
			p.clock.Clear()
		}
	}

	ts := micros(c, c.Timestamp)
	if q := p.queue(c.Kind); q != nil {
		q.AddItem(ts, micros(c, c.Duration))
		p.checkQueue(c.Kind, q)
	}
	if c.Kind == media.KindVideo && c.CaptureClock > 0 {
		p.clock.AddItem(ts, c.CaptureClock+ts/1000)
	}

	if err := p.dec.Decode(c); err != nil {
		p.decodeErrors.Add(1)
		p.log.Warn("decode failed", "track", c.TrackKey, "group", c.Group, "object", c.Object, "error", err)
		if q := p.queue(c.Kind); q != nil {
			q.Consumed(1)
		}
		return
	}
	switch c.Kind {
	case media.KindVideo:
		p.videoForwarded.Add(1)
	case media.KindAudio:
		p.audioForwarded.Add(1)
	default:
		p.dataForwarded.Add(1)
	}
}

func (p *Pipeline) checkQueue(kind media.Kind, q *timing.TsQueue) {
	if p.cfg.DecodeQueueWarnMs <= 0 {
		return
	}
	ms := q.DurationMs()
	if ms > p.cfg.DecodeQueueWarnMs {
		if !p.queueWarned.Swap(true) {
			p.log.Warn("decoder falling behind", "kind", kind, "queued_ms", ms, "queued", q.Len())
		}
		return
	}
	p.queueWarned.Store(false)
}

// Decoded records that the decoder finished n chunks of kind.
func (p *Pipeline) Decoded(kind media.Kind, n int) {
	if q := p.queue(kind); q != nil {
		q.Consumed(n)
	}
}

// AddFrame buffers a decoded video frame for rendering. When the render
// buffer is full the frame is released and false is returned.
func (p *Pipeline) AddFrame(f Frame) bool {
	if !p.render.AddItem(f.Timestamp, f) {
		p.renderDropped.Add(1)
		releaseFrame(f)
		p.log.Debug("frame dropped", "reason", "render buffer full", "ts", f.Timestamp)
		return false
	}
	return true
}

// NextFrame returns the timestamp (µs) of the earliest buffered frame.
func (p *Pipeline) NextFrame() (int64, bool) { return p.render.Oldest() }

// Render returns the frame to present at ts (µs), releasing every older
// frame. When the stream's capture clock is known the frame's end-to-end
// latency at now is returned as well.
func (p *Pipeline) Render(ts int64, now time.Time) (f Frame, found bool, latency time.Duration) {
	f, found, discarded := p.render.GetItemByTimestamp(ts)
	if discarded > 0 {
		p.renderDiscarded.Add(int64(discarded))
	}
	if !found {
		return f, false, 0
	}
	p.rendered.Add(1)
	if clock, ok := p.clock.GetItemByTs(f.Timestamp, true); ok {
		ms := now.UnixMilli() - clock
		p.lastLatencyMs.Store(ms)
		latency = time.Duration(ms) * time.Millisecond
	}
	return f, true, latency
}

func (p *Pipeline) reset() {
	p.render.Clear()
	p.videoQueue.Clear()
	p.audioQueue.Clear()
	p.clock.Clear()
}
