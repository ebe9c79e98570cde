// Package api exposes the control loop over HTTP: status, calibration,
// modulation input and compensation adjustments, plus the stream surfaces.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/satindergrewal/phisync/internal/calibrate"
	"github.com/satindergrewal/phisync/internal/compensation"
	"github.com/satindergrewal/phisync/internal/persist"
	"github.com/satindergrewal/phisync/internal/phi"
	"github.com/satindergrewal/phisync/internal/scheduler"
)

// Counter reports a connection count for the status document.
type Counter interface {
	Count() int
}

// CounterFunc adapts a function to a Counter.
type CounterFunc func() int

func (f CounterFunc) Count() int { return f() }

// Options configures a Server. Every field is optional.
type Options struct {
	Store    *persist.Store
	Stimulus calibrate.StimulusKind
	Hub      http.Handler // diagnostics websocket
	WebRTC   http.Handler // monitor peer negotiation
	Monitor  http.Handler // WAV monitor stream
	Counters map[string]Counter
	Log      *logrus.Entry
}

// Server routes HTTP requests to the scheduler.
type Server struct {
	sched *scheduler.Scheduler
	opts  Options
	log   *logrus.Entry
}

// New returns a server for s.
func New(s *scheduler.Scheduler, opts Options) *Server {
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{sched: s, opts: opts, log: opts.Log.WithField("component", "api")}
}

// Status is the /api/status document.
type Status struct {
	scheduler.Status
	Connections map[string]int `json:"connections,omitempty"`
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.opts.Hub != nil {
		mux.Handle("/ws", s.opts.Hub)
	}
	if s.opts.WebRTC != nil {
		mux.Handle("/offer", s.opts.WebRTC)
	}
	if s.opts.Monitor != nil {
		mux.Handle("/monitor", s.opts.Monitor)
	}

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		st := Status{Status: s.sched.Status()}
		if len(s.opts.Counters) > 0 {
			st.Connections = make(map[string]int, len(s.opts.Counters))
			for name, c := range s.opts.Counters {
				st.Connections[name] = c.Count()
			}
		}
		writeJSON(w, http.StatusOK, st)
	})

	mux.HandleFunc("/api/alignment", func(w http.ResponseWriter, r *http.Request) {
		tol := calibrate.DefaultAlignmentToleranceMs
		if v := r.URL.Query().Get("tolerance_ms"); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f < 0 {
				http.Error(w, "invalid tolerance_ms", http.StatusBadRequest)
				return
			}
			tol = f
		}
		st := s.sched.Status()
		aligned := st.Breakdown != nil && st.Breakdown.Aligned(tol)
		writeJSON(w, http.StatusOK, map[string]any{
			"aligned":      aligned,
			"tolerance_ms": tol,
			"breakdown":    st.Breakdown,
		})
	})

	mux.HandleFunc("/api/calibrate", post(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Stimulus *calibrate.StimulusKind `json:"stimulus"`
		}
		if !decodeOptional(w, r, &req) {
			return
		}
		kind := s.opts.Stimulus
		if req.Stimulus != nil {
			kind = *req.Stimulus
		}
		res := s.sched.Calibrate(r.Context(), kind)
		log := s.log.WithFields(logrus.Fields{"run_id": res.RunID, "stimulus": kind})
		if errors.Is(res.Err, scheduler.ErrCalibrationBusy) {
			writeJSON(w, http.StatusConflict, res)
			return
		}
		if res.Succeeded {
			log.WithFields(logrus.Fields{
				"latency_ms": res.MeasuredLatencyMs,
				"confidence": res.Confidence,
			}).Info("calibration succeeded")
			if err := s.Save(&res); err != nil {
				log.WithError(err).Warn("saving compensation state")
			}
		} else {
			log.WithField("reason", res.Reason).Warn("calibration failed")
		}
		writeJSON(w, http.StatusOK, res)
	}))

	mux.HandleFunc("/api/source", post(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Source     *phi.Kind `json:"source"`
			DurationMs float64   `json:"duration_ms"`
		}
		if !decode(w, r, &req) {
			return
		}
		if req.Source == nil || req.DurationMs < 0 {
			http.Error(w, "source required and duration_ms must be >= 0", http.StatusBadRequest)
			return
		}
		if !accepted(w, s.sched.Router().Select(phi.Selection{Kind: *req.Source, DurationMs: req.DurationMs})) {
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "source": *req.Source})
	}))

	mux.HandleFunc("/api/manual", post(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Value float64 `json:"value"`
		}
		if !decode(w, r, &req) {
			return
		}
		s.sched.Bank().Manual().Set(req.Value)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "value": s.sched.Bank().Manual().Value()})
	}))

	mux.HandleFunc("/api/controller", post(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Value *float64 `json:"value"`
			CC    *int     `json:"cc"`
		}
		if !decode(w, r, &req) {
			return
		}
		switch {
		case req.CC != nil:
			if *req.CC < 0 || *req.CC > 127 {
				http.Error(w, "cc must be 0-127", http.StatusBadRequest)
				return
			}
			s.sched.Bank().Controller().UpdateCC(*req.CC)
		case req.Value != nil:
			s.sched.Bank().Controller().Update(*req.Value)
		default:
			http.Error(w, "value or cc required", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}))

	mux.HandleFunc("/api/sensor", post(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Value   *float64 `json:"value"`
			Dropout bool     `json:"dropout"`
		}
		if !decode(w, r, &req) {
			return
		}
		sensor := s.sched.Bank().Sensor()
		if req.Dropout || req.Value == nil {
			sensor.Dropout()
		} else {
			sensor.Push(*req.Value)
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "dropouts": sensor.Dropouts()})
	}))

	mux.HandleFunc("/api/offset", post(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ManualOffsetMs *float64 `json:"manual_offset_ms"`
			AdjustMs       *float64 `json:"adjust_ms"`
		}
		if !decode(w, r, &req) {
			return
		}
		ctrl := s.sched.Controller()
		var err error
		switch {
		case req.ManualOffsetMs != nil:
			err = ctrl.SetManualOffset(*req.ManualOffsetMs)
		case req.AdjustMs != nil:
			err = ctrl.Adjust(*req.AdjustMs)
		default:
			http.Error(w, "manual_offset_ms or adjust_ms required", http.StatusBadRequest)
			return
		}
		if !accepted(w, err) {
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	}))

	mux.HandleFunc("/api/autocorrect", post(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if !decode(w, r, &req) {
			return
		}
		if !accepted(w, s.sched.Controller().SetAutoCorrect(req.Enabled)) {
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "auto_correct": req.Enabled})
	}))

	mux.HandleFunc("/api/drift/reset", post(func(w http.ResponseWriter, r *http.Request) {
		s.sched.ResetDrift()
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	}))

	return mux
}

// Save persists the compensation state. A successful res is stored as the
// offset it seeds; a nil res keeps the current offset and records the last
// calibration. Without a store it does nothing.
func (s *Server) Save(res *calibrate.Result) error {
	if s.opts.Store == nil {
		return nil
	}
	comp := s.sched.Controller().Snapshot()
	if res == nil {
		res = s.sched.Status().LastCalibration
	} else if res.Succeeded {
		// the seed lands at the next block; persist what it will be
		comp = s.sched.Controller().Seeded(res.MeasuredLatencyMs)
	}
	return s.opts.Store.Save(persist.Record{
		SavedAt:      time.Now(),
		Compensation: comp,
		Calibration:  persist.FromResult(res),
	})
}

// Restore loads persisted state into the controller. A missing file is not
// an error.
func (s *Server) Restore() error {
	if s.opts.Store == nil || !s.opts.Store.Exists() {
		return nil
	}
	rec, err := s.opts.Store.Load()
	if err != nil {
		return err
	}
	if err := s.sched.Controller().Restore(rec.Compensation); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"offset_ms": rec.Compensation.OffsetMs(),
		"saved_at":  rec.SavedAt,
	}).Info("restored compensation state")
	return nil
}

func post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decode(w, r, v)
}

func accepted(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, compensation.ErrBusy):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
