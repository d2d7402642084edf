package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zsiec/moqlink/internal/media"
	"github.com/zsiec/moqlink/internal/packager"
	"github.com/zsiec/moqlink/internal/pipeline"
)

const (
	videoFile = "video.h264"
	dataFile  = "data.txt"

	renderTick = 5 * time.Millisecond
)

// dumpSink writes received video as an Annex B elementary stream and data
// objects as text lines. A sink without a directory discards everything.
type dumpSink struct {
	mu    sync.Mutex
	video *bufio.Writer
	data  *bufio.Writer
	files []*os.File
}

func newDumpSink(dir string) (*dumpSink, error) {
	s := &dumpSink{}
	if dir == "" {
		return s, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	open := func(name string) (*bufio.Writer, error) {
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		s.files = append(s.files, f)
		return bufio.NewWriter(f), nil
	}
	var err error
	if s.video, err = open(videoFile); err != nil {
		return nil, errors.Join(err, s.Close())
	}
	if s.data, err = open(dataFile); err != nil {
		return nil, errors.Join(err, s.Close())
	}
	return s, nil
}

func (s *dumpSink) writeVideo(annexB []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.video == nil {
		return nil
	}
	_, err := s.video.Write(annexB)
	return err
}

func (s *dumpSink) writeData(c *media.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil
	}
	_, err := fmt.Fprintf(s.data, "%s %d/%d %s\n", c.TrackKey, c.Group, c.Object, c.Data)
	return err
}

func (s *dumpSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, w := range []*bufio.Writer{s.video, s.data} {
		if w != nil {
			errs = append(errs, w.Flush())
		}
	}
	for _, f := range s.files {
		errs = append(errs, f.Close())
	}
	s.files = nil
	return errors.Join(errs...)
}

// dumpDecoder stands in for a real codec: video and data chunks go to the
// sink and every video chunk becomes a render frame straight away.
type dumpDecoder struct {
	sink *dumpSink
	play *pipeline.Pipeline

	once       sync.Once
	firstFrame chan firstFrame
}

// firstFrame anchors the media clock: the first decoded frame's
// timestamp and the wall time it arrived.
type firstFrame struct {
	ts   int64
	wall time.Time
}

func newDumpDecoder(sink *dumpSink) *dumpDecoder {
	return &dumpDecoder{sink: sink, firstFrame: make(chan firstFrame, 1)}
}

func (d *dumpDecoder) Decode(c *media.Chunk) error {
	switch c.Kind {
	case media.KindVideo:
		if c.Type == media.ChunkKey && len(c.Metadata) > 0 {
			if info, err := media.DescribeAVCDecoderConfig(c.Metadata); err == nil {
				var annexB []byte
				for _, ps := range info.ParamSets {
					annexB = append(annexB, 0, 0, 0, 1)
					annexB = append(annexB, ps...)
				}
				if err := d.sink.writeVideo(annexB); err != nil {
					return err
				}
			}
		}
		annexB, err := media.AVC1ToAnnexB(c.Data)
		if err != nil {
			return err
		}
		if err := d.sink.writeVideo(annexB); err != nil {
			return err
		}
		ts := c.Timestamp
		if c.Timebase != 0 {
			ts = packager.Rescale(c.Timestamp, c.Timebase, packager.LocTimebase)
		}
		d.play.Decoded(media.KindVideo, 1)
		d.play.AddFrame(pipeline.Frame{Timestamp: ts})
		d.once.Do(func() { d.firstFrame <- firstFrame{ts: ts, wall: time.Now()} })
	case media.KindAudio:
		d.play.Decoded(media.KindAudio, 1)
	default:
		return d.sink.writeData(c)
	}
	return nil
}

// renderLoop presents buffered frames once the media clock, running delay
// behind the first frame's arrival, reaches them.
func renderLoop(ctx context.Context, play *pipeline.Pipeline, delay time.Duration, first <-chan firstFrame, log *slog.Logger) {
	var anchor firstFrame
	select {
	case anchor = <-first:
	case <-ctx.Done():
		return
	}
	log = log.With("component", "render")
	t := time.NewTicker(renderTick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			clock := anchor.ts + (now.Sub(anchor.wall) - delay).Microseconds()
			ts, ok := play.NextFrame()
			if !ok || ts > clock {
				continue
			}
			if _, found, latency := play.Render(ts, now); found && latency > 0 {
				log.Debug("frame rendered", "ts", ts, "latency", latency)
			}
		}
	}
}
