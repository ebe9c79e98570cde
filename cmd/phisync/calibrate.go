package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/satindergrewal/phisync/internal/calibrate"
	"github.com/satindergrewal/phisync/internal/compensation"
	"github.com/satindergrewal/phisync/internal/persist"
)

func newCalibrateCmd(a *app) *cobra.Command {
	var (
		stimulus   string
		loopbackMs float64
		save       bool
	)
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Measure the round-trip latency once and print the result",
		Long:  "Plays a calibration stimulus through the configured backend and correlates the capture against it.\nThe headless backend simulates a loopback of --loopback-ms milliseconds.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("loopback-ms") {
				a.cfg.Headless.LatencyMs = loopbackMs
				if err := a.cfg.Validate(); err != nil {
					return err
				}
			}
			kind := a.cfg.Stimulus()
			if stimulus != "" {
				k, err := calibrate.ParseStimulus(stimulus)
				if err != nil {
					return err
				}
				kind = k
			}
			res, state, err := runCalibration(cmd.Context(), a, kind)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if !res.Succeeded {
				return fmt.Errorf("calibration failed: %s", res.Reason)
			}
			if save {
				return persist.NewStore(a.cfg.StateFile).Save(persist.Record{
					SavedAt:      time.Now(),
					Compensation: state,
					Calibration:  persist.FromResult(&res),
				})
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&stimulus, "stimulus", "", "sine, chirp, impulse or noise (default from config)")
	cmd.Flags().Float64Var(&loopbackMs, "loopback-ms", 0, "simulated loopback latency for the headless backend")
	cmd.Flags().BoolVar(&save, "save", false, "store the measured offset in state_file")
	return cmd
}

// runCalibration runs the loop only for the duration of one calibration and
// returns the compensation state it leaves behind.
func runCalibration(ctx context.Context, a *app, kind calibrate.StimulusKind) (calibrate.Result, compensation.State, error) {
	lp, err := newLoop(a, false)
	if err != nil {
		return calibrate.Result{}, compensation.State{}, err
	}
	a.log.WithFields(logrus.Fields{
		"backend":  lp.backendName,
		"stimulus": kind,
	}).Info("calibrating")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return lp.backend.Run(gctx) })

	res := lp.sched.Calibrate(gctx, kind)
	cancel()
	if err := g.Wait(); err != nil {
		return res, compensation.State{}, err
	}
	if !res.Succeeded {
		return res, lp.sched.Controller().Snapshot(), nil
	}
	return res, lp.sched.Controller().Seeded(res.MeasuredLatencyMs), nil
}
