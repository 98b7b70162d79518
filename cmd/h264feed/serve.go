package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/h264feed/internal/api"
	"github.com/zsiec/h264feed/internal/captions"
	"github.com/zsiec/h264feed/internal/certs"
	"github.com/zsiec/h264feed/internal/config"
	"github.com/zsiec/h264feed/internal/decoder"
	"github.com/zsiec/h264feed/internal/device/ffmpeg"
	"github.com/zsiec/h264feed/internal/ingest"
	quicingest "github.com/zsiec/h264feed/internal/ingest/quic"
	rtpingest "github.com/zsiec/h264feed/internal/ingest/rtp"
	srtingest "github.com/zsiec/h264feed/internal/ingest/srt"
	wsingest "github.com/zsiec/h264feed/internal/ingest/ws"
	"github.com/zsiec/h264feed/internal/nal"
	"github.com/zsiec/h264feed/internal/pipeline"
	"github.com/zsiec/h264feed/internal/stream"
)

// drainTimeout bounds how long a finished stream waits for its decoder to
// empty before the device is released.
const drainTimeout = 2 * time.Second

var errStreamBusy = errors.New("stream key is still decoding")

// ServeCmd runs the long-lived server.
type ServeCmd struct {
	Config string   `short:"c" type:"path" help:"YAML configuration file."`
	Debug  bool     `short:"d" help:"Enable debug logging."`
	Hosts  []string `help:"Extra host names or IPs for the self-signed certificate."`
}

// Run starts every configured transport and blocks until a signal arrives
// or a component fails.
func (c *ServeCmd) Run() error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	if c.Debug {
		cfg.Log.Debug = true
	}
	log := newLogger(os.Stderr, cfg.Log.Format, cfg.Log.Debug)
	slog.SetDefault(log)

	if cfg.Decoder.Device == config.DeviceFFmpeg {
		if _, err := ffmpeg.Find(cfg.Decoder.FFmpegPath); err != nil {
			return err
		}
	}

	log.Info("generating self-signed certificate")
	cert, err := certs.Generate(certs.Options{Hosts: c.Hosts})
	if err != nil {
		return fmt.Errorf("generate certificate: %w", err)
	}
	log.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Info("h264feed starting",
		"version", version,
		"device", cfg.Decoder.Device,
		"srt", cfg.Ingest.SRTAddr,
		"quic", cfg.Ingest.QUICAddr,
		"rtp", cfg.Ingest.RTPAddr,
		"api", cfg.API.Addr,
	)

	g, ctx := errgroup.WithContext(ctx)

	// The registry is created after the errgroup so stream handlers capture
	// the group context and stop when any component fails.
	a := newApp(cfg, log)
	a.registry = ingest.NewRegistry(func(key string, input io.Reader, proto ingest.Protocol) {
		a.handleNewStream(ctx, key, input, proto)
	})
	a.srtCaller = srtingest.NewCaller(a.registry, log)

	apiSrv, err := api.NewServer(api.ServerConfig{
		Addr:           cfg.API.Addr,
		QUICIngestAddr: cfg.Ingest.QUICAddr,
		Cert:           cert,
		HTTP3:          cfg.API.HTTP3,
		Logger:         log,
		StreamLister:   a.listStreams,
		StreamLookup:   a.lookupStream,
		StreamRelease:  a.releaseStream,
		SRTPull: func(address, streamKey, streamID string) error {
			return a.srtCaller.Pull(ctx, srtingest.PullRequest{
				Address:   address,
				StreamKey: streamKey,
				StreamID:  streamID,
			})
		},
		SRTStop: a.srtCaller.Stop,
		SRTList: a.listSRTPulls,
	})
	if err != nil {
		return err
	}

	if addr := cfg.Ingest.SRTAddr; addr != "" {
		srv := srtingest.NewServer(addr, a.registry, log)
		g.Go(func() error { return srv.Start(ctx) })
	}
	if addr := cfg.Ingest.QUICAddr; addr != "" {
		srv := quicingest.NewServer(addr, cert.TLSConfig(), a.registry, log)
		g.Go(func() error { return srv.Start(ctx) })
	}
	if addr := cfg.Ingest.RTPAddr; addr != "" {
		srv := rtpingest.NewServer(addr, a.registry, log)
		srv.Key = cfg.Ingest.RTPKey
		g.Go(func() error { return srv.Start(ctx) })
	}
	for _, src := range cfg.Ingest.WebSocket {
		client := wsingest.NewClient(src.URL, src.Key, a.registry, log)
		g.Go(func() error {
			// A source that gives up must not take the server down.
			if err := client.Run(ctx); err != nil {
				log.Warn("websocket source stopped", "url", src.URL, "key", src.Key, "error", err)
			}
			return nil
		})
	}
	g.Go(func() error { return apiSrv.Start(ctx) })

	err = g.Wait()
	if cerr := a.mgr.Close(); cerr != nil {
		log.Warn("stream teardown", "error", cerr)
	}
	if err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

type app struct {
	log       *slog.Logger
	cfg       config.Config
	mgr       *stream.Manager
	registry  *ingest.Registry
	srtCaller *srtingest.Caller
}

func newApp(cfg config.Config, log *slog.Logger) *app {
	return &app{
		log: log,
		cfg: cfg,
		mgr: stream.NewManager(log),
	}
}

// handleNewStream owns one ingest stream from registration to teardown:
// it builds the decoder, runs the pipeline and releases the device.
func (a *app) handleNewStream(ctx context.Context, key string, input io.Reader, proto ingest.Protocol) {
	log := a.log.With("stream", key)
	log.Info("new stream from ingest", "protocol", proto)

	input, ts := unwrapInput(a.cfg.Ingest.Format, input)
	if ts != nil {
		log.Info("unwrapping transport stream")
		defer func() { log.Info("transport stream closed", "stats", ts.Stats()) }()
	}

	var tap *captions.Tap
	var onSubmit func(nal.Unit, int64)
	if a.cfg.Captions.Enabled {
		tap = captions.NewTap(a.cfg.Captions.History, log)
		onSubmit = tap.Observe
	}

	factory, err := deviceFactory(a.cfg.Decoder, key, log)
	if err != nil {
		log.Error("device setup failed", "error", err)
		a.registry.Abort(key, err)
		return
	}
	target, err := newTarget(a.cfg.Display, key, log)
	if err != nil {
		log.Error("display setup failed", "error", err)
		a.registry.Abort(key, err)
		return
	}

	dec := decoder.New(factory, decoderOptions(a.cfg.Decoder, log, onSubmit))
	if target != nil {
		dec.AttachTarget(target)
	}

	p := pipeline.New(key, input, dec, pipeline.Config{
		ChunkSize: a.cfg.Ingest.ChunkSize,
		Width:     a.cfg.Decoder.Width,
		Height:    a.cfg.Decoder.Height,
	}, log)
	p.SetProtocol(proto)
	if tap != nil {
		p.SetCaptions(tap)
	}

	s, created := a.mgr.Create(key, proto, dec, p)
	if !created {
		if err := dec.Release(); err != nil {
			log.Warn("device release failed", "error", err)
		}
		a.registry.Abort(key, fmt.Errorf("%w: %q", errStreamBusy, key))
		return
	}

	if err := p.Run(ctx); err != nil {
		log.Warn("pipeline stopped", "error", err)
		a.registry.Abort(key, err)
	} else if ctx.Err() == nil && !waitIdle(ctx, dec, drainTimeout) {
		log.Warn("decoder did not drain", "stats", dec.Stats())
	}

	if _, err := a.mgr.RemoveStream(s); err != nil {
		log.Warn("device release failed", "error", err)
	}
	log.Info("stream ended")
}

func (a *app) listStreams() []api.StreamInfo {
	streams := a.mgr.List()
	infos := make([]api.StreamInfo, 0, len(streams))
	for _, s := range streams {
		info := api.StreamInfo{
			Key:      s.Key,
			Protocol: string(s.Protocol),
			UptimeMs: time.Since(s.StartedAt).Milliseconds(),
		}
		if s.Pipeline != nil {
			st := s.Pipeline.Snapshot().Decoder
			info.State = st.State
			info.Width = st.Width
			info.Height = st.Height
			info.Frames = st.Frames
			info.Recoveries = st.Recoveries
		}
		infos = append(infos, info)
	}
	return infos
}

func (a *app) lookupStream(key string) (api.StreamDetail, bool) {
	s, ok := a.mgr.Get(key)
	if !ok || s.Pipeline == nil {
		return api.StreamDetail{}, false
	}
	detail := api.StreamDetail{Stream: s.Pipeline.Snapshot()}
	if in, ok := a.registry.Get(key); ok {
		st := in.Stats()
		detail.Ingest = &st
	}
	return detail, true
}

// releaseStream tears down a stream on request. The ingest side is aborted
// too so the publisher disconnects instead of blocking on a dead pipe.
func (a *app) releaseStream(key string) (bool, error) {
	removed, err := a.mgr.Remove(key)
	if removed {
		a.registry.Abort(key, decoder.ErrReleased)
	}
	return removed, err
}

func (a *app) listSRTPulls() []api.SRTPullInfo {
	pulls := a.srtCaller.ActivePulls()
	out := make([]api.SRTPullInfo, len(pulls))
	for i, p := range pulls {
		out[i] = api.SRTPullInfo{
			Address:   p.Address,
			StreamKey: p.StreamKey,
			StreamID:  p.StreamID,
		}
	}
	return out
}
