package main

import (
	"bytes"
	"encoding/json"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/satindergrewal/phisync/internal/persist"
)

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "phisync ") {
		t.Errorf("output = %q", out.String())
	}
}

func TestInvalidConfigIsFatal(t *testing.T) {
	t.Setenv("PHISYNC_BLOCK_SIZE", "0")
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"calibrate"})
	if err := root.Execute(); err == nil {
		t.Error("calibrate ran with block_size 0")
	}
}

func TestCalibrateHeadlessLoopback(t *testing.T) {
	state := filepath.Join(t.TempDir(), "state.yaml")
	t.Setenv("PHISYNC_STATE_FILE", state)
	t.Setenv("PHISYNC_LOG_LEVEL", "error")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"calibrate", "--backend", "headless", "--loopback-ms", "17", "--save"})
	if err := root.Execute(); err != nil {
		t.Fatalf("calibrate: %v\n%s", err, out.String())
	}

	var res struct {
		Succeeded         bool    `json:"succeeded"`
		MeasuredLatencyMs float64 `json:"measured_latency_ms"`
	}
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	if !res.Succeeded || math.Abs(res.MeasuredLatencyMs-17) > 0.3 {
		t.Errorf("result = %+v, want 17 ms", res)
	}

	rec, err := persist.NewStore(state).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if math.Abs(rec.Compensation.OffsetMs()-res.MeasuredLatencyMs) > 1e-6 {
		t.Errorf("saved offset = %v, want %v", rec.Compensation.OffsetMs(), res.MeasuredLatencyMs)
	}
}

func TestCalibrateRejectsLoopShorterThanBlock(t *testing.T) {
	t.Setenv("PHISYNC_STATE_FILE", filepath.Join(t.TempDir(), "state.yaml"))
	t.Setenv("PHISYNC_LOG_LEVEL", "error")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"calibrate", "--backend", "headless", "--loopback-ms", "7"})
	err := root.Execute()
	if err == nil {
		t.Fatalf("calibrate with a 7 ms loop succeeded:\n%s", out.String())
	}
	if !strings.Contains(err.Error(), "headless.latency_ms") {
		t.Errorf("error = %v, want mention of headless.latency_ms", err)
	}
}
