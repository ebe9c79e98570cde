package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/satindergrewal/phisync/internal/api"
	"github.com/satindergrewal/phisync/internal/diagnostics"
	"github.com/satindergrewal/phisync/internal/persist"
	"github.com/satindergrewal/phisync/internal/stream"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the audio loop with the HTTP control and monitor surfaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg
	log := a.log

	lp, err := newLoop(a, cfg.Headless.RealTime)
	if err != nil {
		return err
	}

	pub := diagnostics.NewPublisher(lp.queue, diagnostics.PublisherConfig{
		RateHz: cfg.Diagnostics.RateHz,
		Logger: log,
	}, diagnostics.LogSink{Logger: log.WithField("component", "diagnostics")})
	hub := stream.NewHub(cfg.Diagnostics.MaxClients, pub.Latest, log)
	pub.AddSink(hub)

	monitor := stream.NewBroadcaster[[]int16](stream.MonitorBuffer)
	opts := api.Options{
		Store:    persist.NewStore(cfg.StateFile),
		Stimulus: cfg.Stimulus(),
		Hub:      hub,
		Monitor:  stream.NewHTTPHandler(monitor, cfg.SampleRate, cfg.Channels, log),
		Counters: map[string]api.Counter{
			"websocket":         api.CounterFunc(hub.Clients),
			"monitor_listeners": api.CounterFunc(monitor.ListenerCount),
		},
		Log: log,
	}
	rtc, err := stream.NewWebRTCHandler(monitor, hub.Frames(), cfg.SampleRate, cfg.Channels, log)
	if err != nil {
		log.WithError(err).Warn("WebRTC monitor disabled")
	} else {
		opts.WebRTC = rtc
		opts.Counters["webrtc"] = api.CounterFunc(rtc.PeerCount)
	}

	srv := api.New(lp.sched, opts)
	if err := srv.Restore(); err != nil {
		log.WithError(err).Warn("ignoring saved compensation state")
	}

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: srv.Handler()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return lp.backend.Run(ctx) })
	g.Go(func() error {
		pub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		monitor.Run(ctx, lp.tap.Frames())
		return nil
	})
	g.Go(func() error {
		log.WithFields(logrus.Fields{
			"addr":        cfg.ListenAddr,
			"backend":     lp.backendName,
			"sample_rate": cfg.SampleRate,
			"block_size":  cfg.BlockSize,
		}).Info("phisync live")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rtc != nil {
			rtc.Close()
		}
		return httpSrv.Shutdown(shutdownCtx)
	})
	if cfg.Calibration.OnStart {
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(500 * time.Millisecond):
			}
			res := lp.sched.Calibrate(ctx, cfg.Stimulus())
			if !res.Succeeded {
				log.WithField("reason", res.Reason).Warn("startup calibration failed")
				return nil
			}
			log.WithField("latency_ms", res.MeasuredLatencyMs).Info("startup calibration")
			return srv.Save(&res)
		})
	}

	err = g.Wait()
	if saveErr := srv.Save(nil); saveErr != nil {
		log.WithError(saveErr).Warn("saving compensation state")
	}
	return err
}
