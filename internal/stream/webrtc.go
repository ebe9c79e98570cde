package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/sirupsen/logrus"
	"gopkg.in/hraban/opus.v2"
)

// DiagnosticsLabel is the data channel carrying JSON diagnostics frames.
const DiagnosticsLabel = "diagnostics"

// WebRTCHandler serves SDP negotiation for a monitor peer: the compensated
// output as an Opus track plus a diagnostics data channel.
type WebRTCHandler struct {
	audio      *Broadcaster[[]int16]
	diag       *Broadcaster[[]byte]
	sampleRate int
	channels   int
	log        *logrus.Entry

	mu    sync.Mutex
	peers []*peer
}

type peer struct {
	pc   *webrtc.PeerConnection
	done chan struct{}
	once sync.Once
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		p.pc.Close()
	})
}

// NewWebRTCHandler creates a WebRTC monitor handler. diag may be nil.
func NewWebRTCHandler(audio *Broadcaster[[]int16], diag *Broadcaster[[]byte], sampleRate, channels int, log *logrus.Entry) (*WebRTCHandler, error) {
	switch sampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return nil, fmt.Errorf("stream: opus does not support %d Hz", sampleRate)
	}
	if channels < 1 || channels > 2 {
		return nil, fmt.Errorf("stream: opus does not support %d channels", channels)
	}
	return &WebRTCHandler{
		audio:      audio,
		diag:       diag,
		sampleRate: sampleRate,
		channels:   channels,
		log:        log.WithField("component", "webrtc"),
	}, nil
}

// PeerCount returns the number of active WebRTC peers.
func (h *WebRTCHandler) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Close disconnects every peer.
func (h *WebRTCHandler) Close() {
	h.mu.Lock()
	peers := h.peers
	h.peers = nil
	h.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
}

func (h *WebRTCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, "invalid SDP offer", http.StatusBadRequest)
		return
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		http.Error(w, "create peer connection failed", http.StatusInternalServerError)
		return
	}
	p := &peer{pc: pc, done: make(chan struct{})}

	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"phisync-monitor",
	)
	if err != nil {
		p.close()
		http.Error(w, "create audio track failed", http.StatusInternalServerError)
		return
	}

	if _, err := pc.AddTrack(audioTrack); err != nil {
		p.close()
		http.Error(w, "add track failed", http.StatusInternalServerError)
		return
	}

	if h.diag != nil {
		dc, err := pc.CreateDataChannel(DiagnosticsLabel, nil)
		if err != nil {
			p.close()
			http.Error(w, "create data channel failed", http.StatusInternalServerError)
			return
		}
		dc.OnOpen(func() { go h.streamDiagnostics(p, dc) })
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		p.close()
		http.Error(w, "set remote description failed", http.StatusBadRequest)
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		p.close()
		http.Error(w, "create answer failed", http.StatusInternalServerError)
		return
	}

	if err := pc.SetLocalDescription(answer); err != nil {
		p.close()
		http.Error(w, "set local description failed", http.StatusInternalServerError)
		return
	}

	// Wait for ICE gathering to complete
	<-webrtc.GatheringCompletePromise(pc)

	h.mu.Lock()
	h.peers = append(h.peers, p)
	h.mu.Unlock()

	h.log.WithField("peers", h.PeerCount()).Info("monitor peer connected")

	go h.streamAudio(p, audioTrack)

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed ||
			s == webrtc.PeerConnectionStateDisconnected {
			h.removePeer(p)
			p.close()
			h.log.WithField("peers", h.PeerCount()).Info("monitor peer disconnected")
		}
	})

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(pc.LocalDescription())
}

func (h *WebRTCHandler) streamAudio(p *peer, track *webrtc.TrackLocalStaticSample) {
	listener := h.audio.Subscribe()
	defer h.audio.Unsubscribe(listener)

	enc, err := opus.NewEncoder(h.sampleRate, h.channels, opus.AppAudio)
	if err != nil {
		h.log.WithError(err).Error("opus encoder")
		return
	}
	enc.SetBitrate(128000)

	opusBuf := make([]byte, 4000)

	for {
		select {
		case <-p.done:
			return
		case <-listener.done:
			return
		case frame := <-listener.C:
			n, err := enc.Encode(frame, opusBuf)
			if err != nil {
				h.log.WithError(err).Warn("opus encode")
				continue
			}
			if err := track.WriteSample(media.Sample{
				Data:     opusBuf[:n],
				Duration: FrameDuration,
			}); err != nil {
				return
			}
		}
	}
}

func (h *WebRTCHandler) streamDiagnostics(p *peer, dc *webrtc.DataChannel) {
	listener := h.diag.Subscribe()
	defer h.diag.Unsubscribe(listener)

	for {
		select {
		case <-p.done:
			return
		case <-listener.done:
			return
		case data := <-listener.C:
			if err := dc.SendText(string(data)); err != nil {
				return
			}
		}
	}
}

func (h *WebRTCHandler) removePeer(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, q := range h.peers {
		if q == p {
			h.peers = append(h.peers[:i], h.peers[i+1:]...)
			return
		}
	}
}
