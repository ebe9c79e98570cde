package stream

import (
	"encoding/binary"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/satindergrewal/phisync/internal/audio"
)

// streamingSize marks RIFF and data chunk sizes of an unbounded stream.
const streamingSize = 0xFFFFFFFF

// HTTPHandler serves the compensated monitor output as a chunked 16-bit PCM
// WAV stream.
type HTTPHandler struct {
	broadcaster *Broadcaster[[]int16]
	sampleRate  int
	channels    int
	log         *logrus.Entry
}

// NewHTTPHandler creates an HTTP monitor handler.
func NewHTTPHandler(b *Broadcaster[[]int16], sampleRate, channels int, log *logrus.Entry) *HTTPHandler {
	return &HTTPHandler{
		broadcaster: b,
		sampleRate:  sampleRate,
		channels:    channels,
		log:         log.WithField("component", "http-monitor"),
	}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Connection", "close")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if _, err := w.Write(wavHeader(h.sampleRate, h.channels)); err != nil {
		return
	}
	flusher.Flush()

	listener := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(listener)

	h.log.WithField("listeners", h.broadcaster.ListenerCount()).Info("monitor listener connected")
	defer h.log.Info("monitor listener disconnected")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-listener.done:
			return
		case frame, ok := <-listener.C:
			if !ok {
				return
			}
			if _, err := w.Write(audio.SamplesToBytes(frame)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// wavHeader builds a 44 byte PCM header with streaming sizes.
func wavHeader(sampleRate, channels int) []byte {
	const bitsPerSample = 16
	blockAlign := channels * bitsPerSample / 8
	buf := make([]byte, 44)
	copy(buf[0:], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:], streamingSize)
	copy(buf[8:], "WAVE")
	copy(buf[12:], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:], 16)
	binary.LittleEndian.PutUint16(buf[20:], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(buf[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:], bitsPerSample)
	copy(buf[36:], "data")
	binary.LittleEndian.PutUint32(buf[40:], streamingSize)
	return buf
}
