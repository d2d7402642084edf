package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/zsiec/moqlink/internal/config"
	"github.com/zsiec/moqlink/internal/delivery"
	"github.com/zsiec/moqlink/internal/media"
	"github.com/zsiec/moqlink/internal/session"
)

const (
	videoTimebase   = 90000
	audioSampleRate = 48000
	audioChannels   = 2
	aacFrameSamples = 1024
	aacObjectTypeLC = 2
)

// Baseline profile level 3.0 parameter sets for a 640x360 stream.
var (
	demoSPS = []byte{0x67, 0x42, 0xc0, 0x1e, 0xda, 0x02, 0x80, 0xbf, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04, 0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x58, 0xba, 0x80}
	demoPPS = []byte{0x68, 0xce, 0x0f, 0xc8}
)

// sender is the part of delivery.Sender the source drives.
type sender interface {
	Send(key string, c *media.Chunk) (delivery.Report, error)
}

// source generates synthetic chunks for every configured track: AVC1
// samples with an IDR slice every gop frames, AAC frames and a data line
// per second.
type source struct {
	log    *slog.Logger
	tracks []sourceTrack
	start  time.Time
}

type sourceTrack struct {
	key    string
	period time.Duration
	next   func(seq int64) (*media.Chunk, error)
}

func newSource(tracks *session.Tracks, cfg *config.Config, fps, gop int, log *slog.Logger) *source {
	s := &source{log: log.With("component", "source"), start: time.Now()}
	avcConfig := media.BuildAVCDecoderConfig(demoSPS, demoPPS)
	for _, key := range tracks.Keys() {
		kind, err := media.ParseKind(cfg.Tracks[key].Kind)
		if err != nil {
			continue
		}
		st := sourceTrack{key: key}
		switch kind {
		case media.KindVideo:
			st.period = time.Second / time.Duration(fps)
			st.next = s.videoChunk(fps, gop, avcConfig)
		case media.KindAudio:
			st.period = time.Duration(aacFrameSamples) * time.Second / audioSampleRate
			st.next = s.audioChunk()
		case media.KindData:
			st.period = time.Second
			st.next = s.dataChunk()
		}
		s.tracks = append(s.tracks, st)
	}
	return s
}

func (s *source) videoChunk(fps, gop int, avcConfig []byte) func(int64) (*media.Chunk, error) {
	dur := int64(videoTimebase / fps)
	return func(seq int64) (*media.Chunk, error) {
		var sample []byte
		key := seq%int64(gop) == 0
		if key {
			sample = media.AnnexBToAVC1([][]byte{demoSPS, demoPPS, idrSlice(seq)})
		} else {
			sample = media.AnnexBToAVC1([][]byte{deltaSlice(seq)})
		}
		isKey, err := media.IsAVCKeyframe(sample)
		if err != nil {
			return nil, err
		}
		c := &media.Chunk{
			Kind:         media.KindVideo,
			Type:         media.ChunkDelta,
			SeqID:        seq,
			Timestamp:    seq * dur,
			Duration:     dur,
			Timebase:     videoTimebase,
			CaptureClock: s.start.UnixMilli(),
			Data:         sample,
		}
		if isKey {
			c.Type = media.ChunkKey
			c.Metadata = avcConfig
		}
		return c, nil
	}
}

func idrSlice(seq int64) []byte {
	return binary.BigEndian.AppendUint64([]byte{0x65, 0x88, 0x84}, uint64(seq))
}

func deltaSlice(seq int64) []byte {
	return binary.BigEndian.AppendUint64([]byte{0x41, 0x9a, 0x02}, uint64(seq))
}

func (s *source) audioChunk() func(int64) (*media.Chunk, error) {
	asc, err := media.BuildAACConfig(aacObjectTypeLC, audioSampleRate, audioChannels)
	return func(seq int64) (*media.Chunk, error) {
		if err != nil {
			return nil, err
		}
		return &media.Chunk{
			Kind:         media.KindAudio,
			Type:         media.ChunkKey,
			SeqID:        seq,
			Timestamp:    seq * aacFrameSamples,
			Duration:     aacFrameSamples,
			Timebase:     audioSampleRate,
			CaptureClock: s.start.UnixMilli(),
			// An AAC LC raw data block holding silence.
			Data:     []byte{0x21, 0x10, 0x04, 0x60, 0x8c, 0x1c},
			Metadata: asc,
		}, nil
	}
}

func (s *source) dataChunk() func(int64) (*media.Chunk, error) {
	return func(seq int64) (*media.Chunk, error) {
		return &media.Chunk{
			Kind:      media.KindData,
			Type:      media.ChunkKey,
			SeqID:     seq,
			Timestamp: seq * 1000,
			Duration:  1000,
			Timebase:  1000,
			Data:      fmt.Appendf(nil, "moqlink tick %d at %s", seq, time.Now().UTC().Format(time.RFC3339)),
		}, nil
	}
}

// run sends chunks on every track at its frame rate until ctx is done.
func (s *source) run(ctx context.Context, snd sender) error {
	type tick struct {
		track *sourceTrack
		seq   int64
	}
	ticks := make(chan tick)
	for i := range s.tracks {
		tr := &s.tracks[i]
		go func() {
			t := time.NewTicker(tr.period)
			defer t.Stop()
			for seq := int64(0); ; seq++ {
				select {
				case ticks <- tick{tr, seq}:
				case <-ctx.Done():
					return
				}
				select {
				case <-t.C:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case tk := <-ticks:
			c, err := tk.track.next(tk.seq)
			if err != nil {
				return fmt.Errorf("generate %s chunk: %w", tk.track.key, err)
			}
			rep, err := snd.Send(tk.track.key, c)
			if err != nil {
				return err
			}
			if rep.Dropped {
				s.log.Debug("chunk dropped", "track", tk.track.key, "seq", tk.seq, "reason", rep.Reason)
			}
		}
	}
}
