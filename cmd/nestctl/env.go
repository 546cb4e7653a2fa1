package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vango-dev/nest"
	"github.com/vango-dev/nest/internal/config"
	"github.com/vango-dev/nest/internal/errors"
	"github.com/vango-dev/nest/pkg/metrics"
	"github.com/vango-dev/nest/pkg/remote"
	"github.com/vango-dev/nest/pkg/remote/wsremote"
	"github.com/vango-dev/nest/pkg/snapshot"
	"github.com/vango-dev/nest/pkg/subsconf"
)

type globalOptions struct {
	dir      string
	logLevel string
	noColor  bool
}

// env is the loaded configuration shared by every command.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
}

func (o *globalOptions) load() (*env, error) {
	cfg, err := config.LoadOrDefault(o.dir)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lvl, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	return &env{cfg: cfg, logger: logger}, nil
}

func (e *env) dial(ctx context.Context) (*wsremote.Client, error) {
	client, err := wsremote.Dial(ctx, e.cfg.Remote.URL, wsremote.ClientConfig{
		Logger: e.logger.With("component", "wsremote"),
	})
	if err != nil {
		return nil, errors.New("N201").
			WithPath(e.cfg.Remote.URL).
			WithSuggestion("Start a server with 'nestctl serve' or set remote.url in nest.json").
			Wrap(err)
	}
	return client, nil
}

func (e *env) engine(svc remote.Service, m *metrics.Collector) *nest.Engine {
	return nest.New(svc, nest.Config{
		Queue:       e.cfg.Batch(),
		CancelDelay: e.cfg.CancelDelayDuration(),
		RetainSlots: e.cfg.RetainSlots,
		Logger:      e.logger,
		Metrics:     m,
	})
}

func (e *env) descriptors(path string) ([]nest.Descriptor, error) {
	file, err := subsconf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return subsconf.Compile(file, subsconf.WithLogger(e.logger))
}

func (e *env) sink() (snapshot.Sink, error) {
	s := e.cfg.Snapshot
	if e.cfg.UsesS3() {
		client := snapshot.NewS3Client(s.S3.Region, s.S3.Endpoint)
		return snapshot.NewS3Sink(client, s.S3.Bucket, s.S3.Prefix), nil
	}
	sink, err := snapshot.NewFileSink(s.Dir)
	if err != nil {
		return nil, errors.New("N110").WithPath(s.Dir).Wrap(err)
	}
	return sink, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
