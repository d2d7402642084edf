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
	"github.com/zsiec/moqlink/internal/session"
	"github.com/zsiec/moqlink/internal/transport"
)

const appName = "moqsend"

var version = "dev"

var usg = `%s publishes a synthetic live stream (H.264 video, AAC audio and a
data track) to a MoQ relay.

Usage of %s:
`

type options struct {
	config   string
	url      string
	logLevel string
	version  bool
	duration int
	fps      int
	gop      int
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
	fs.BoolVar(&opts.version, "version", false, fmt.Sprintf("Get %s version", appName))
	fs.IntVar(&opts.duration, "duration", 0, "Duration of session in seconds (0 means unlimited)")
	fs.IntVar(&opts.fps, "fps", 30, "video frame rate")
	fs.IntVar(&opts.gop, "gop", 30, "video frames per group")
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
	if opts.fps <= 0 || opts.gop <= 0 {
		return errors.New("fps and gop must be positive")
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

	return publish(ctx, cfg, opts, log)
}

func loadConfig(opts *options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.config == "" {
		cfg, err = config.Demo("publisher")
	} else {
		cfg, err = config.Load(opts.config)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Role != "publisher" && cfg.Role != "pub" {
		return nil, fmt.Errorf("%s needs a publisher configuration, got role %q", appName, cfg.Role)
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

func publish(ctx context.Context, cfg *config.Config, opts *options, log *slog.Logger) error {
	scfg, err := cfg.Session(appName, log)
	if err != nil {
		return err
	}
	sess, err := session.New(scfg)
	if err != nil {
		return err
	}
	dcfg, err := cfg.Sender(log)
	if err != nil {
		return err
	}

	log.Info("moqsend starting", "version", version, "url", cfg.URL, "transport", cfg.Transport, "tracks", cfg.TrackKeys())
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

	sender := delivery.NewSender(sess, dcfg)
	sess.Attach(sender)
	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	log.Info("session running", "version", sess.Version())

	src := newSource(sess.Tracks(), cfg, opts.fps, opts.gop, log)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return src.run(gctx, sender) })
	g.Go(func() error {
		select {
		case <-sess.Done():
			if err := sess.Err(); err != nil {
				return err
			}
			if uri := sess.GoAwayURI(); uri != "" {
				log.Info("relay asked to move", "uri", uri)
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
	snap := sender.Stats().Snapshot()
	log.Info("moqsend finished", "chunks_sent", snap.ChunksSent, "objects_sent", snap.ObjectsSent,
		"dropped_no_subscribers", snap.DroppedNoSubscribers, "dropped_in_flight", snap.DroppedInFlight)
	return err
}
