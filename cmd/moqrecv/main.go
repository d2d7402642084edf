package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/moqlink/internal/config"
	"github.com/zsiec/moqlink/internal/delivery"
	"github.com/zsiec/moqlink/internal/pipeline"
	"github.com/zsiec/moqlink/internal/session"
	"github.com/zsiec/moqlink/internal/transport"
)

const appName = "moqrecv"

var version = "dev"

var usg = `%s subscribes to the configured tracks on a MoQ relay, runs them through
the playout pipeline and optionally writes them to an output directory.

Usage of %s:
`

type options struct {
	config   string
	url      string
	logLevel string
	out      string
	version  bool
	duration int
}

func parseOptions(fs *flag.FlagSet, args []string) (*options, error) {
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, usg, appName, appName)
		fmt.Fprintf(os.Stderr, "%s [options]\n\noptions:\n", appName)
		fs.PrintDefaults()
	}

	opts := options{}
	fs.StringVar(&opts.config, "config", "", "YAML configuration file (default: built-in demo tracks)")
	fs.StringVar(&opts.url, "url", "", "relay URL, overrides the configuration")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	fs.StringVar(&opts.out, "out", "", "directory to write received tracks to")
	fs.BoolVar(&opts.version, "version", false, fmt.Sprintf("Get %s version", appName))
	fs.IntVar(&opts.duration, "duration", 0, "Duration of session in seconds (0 means unlimited)")
	err := fs.Parse(args[1:])
	return &opts, err
}

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	opts, err := parseOptions(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.version {
		fmt.Printf("%s %s\n", appName, version)
		return nil
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	log := newLogger(opts.logLevel, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if opts.duration > 0 {
		tctx, tcancel := context.WithTimeout(ctx, time.Duration(opts.duration)*time.Second)
		defer tcancel()
		ctx = tctx
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	return subscribe(ctx, cfg, opts, log)
}

func loadConfig(opts *options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.config == "" {
		cfg, err = config.Demo("subscriber")
	} else {
		cfg, err = config.Load(opts.config)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Role != "subscriber" && cfg.Role != "sub" {
		return nil, fmt.Errorf("%s needs a subscriber configuration, got role %q", appName, cfg.Role)
	}
	if opts.url != "" {
		cfg.URL = opts.url
	}
	return cfg, nil
}

func newLogger(flagLevel, cfgLevel string) *slog.Logger {
	level := config.ParseLogLevel(cfgLevel)
	if flagLevel != "" {
		level = config.ParseLogLevel(flagLevel)
	}
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	return log
}

func subscribe(ctx context.Context, cfg *config.Config, opts *options, log *slog.Logger) error {
	scfg, err := cfg.Session(appName, log)
	if err != nil {
		return err
	}
	sess, err := session.New(scfg)
	if err != nil {
		return err
	}
	rcfg, err := cfg.Receiver(log)
	if err != nil {
		return err
	}
	sink, err := newDumpSink(opts.out)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			log.Warn("close output", "error", err)
		}
	}()

	log.Info("moqrecv starting", "version", version, "url", cfg.URL, "transport", cfg.Transport, "tracks", cfg.TrackKeys())
	conn, err := transport.Dial(ctx, cfg.TransportOptions())
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	if err := sess.Init(ctx, conn); err != nil {
		_ = conn.CloseWithError(0, "init failed")
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := sess.Stop(sctx); err != nil {
			log.Warn("session stop", "error", err)
		}
	}()

	rv := delivery.NewReceiver(sess, rcfg)
	sess.Attach(rv)
	dec := newDumpDecoder(sink)
	play := pipeline.New(rv.Chunks(), dec, pipeline.Config{DecodeQueueWarnMs: cfg.Playout.DecodeQueueWarnMs, Log: log})
	dec.play = play

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	// The receiver runs before SUBSCRIBE goes out so no early object is missed.
	g.Go(func() error { return rv.Run(gctx) })
	g.Go(func() error {
		// Playout ends when the receiver closes its channel.
		defer cancel()
		return play.Run(gctx)
	})
	g.Go(func() error {
		renderLoop(gctx, play, time.Duration(cfg.Playout.RenderDelayMs)*time.Millisecond, dec.firstFrame, log)
		return nil
	})

	if err := sess.Start(ctx); err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("start session: %w", err)
	}
	g.Go(func() error {
		if err := sess.WaitReady(gctx); err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return err
		}
		log.Info("all tracks subscribed", "version", sess.Version())
		select {
		case <-sess.Done():
			if err := sess.Err(); err != nil {
				return err
			}
			return transport.ErrSessionClosed
		case <-gctx.Done():
			return nil
		}
	})

	err = g.Wait()
	if errors.Is(err, transport.ErrSessionClosed) || errors.Is(err, context.Canceled) {
		err = nil
	}
	rs := rv.Stats().Snapshot()
	ps := play.Stats()
	log.Info("moqrecv finished", "objects_received", rs.ObjectsReceived, "bytes_received", rs.BytesReceived,
		"discarded_deltas", rs.DiscardedDeltas, "rendered", ps.Rendered, "last_latency_ms", ps.LastLatencyMs)
	return err
}
