package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"github.com/satindergrewal/reelcast/internal/audio"
)

// opusMaxPacket is the largest Opus packet we expect for one 20ms frame.
const opusMaxPacket = 4000

// WebRTCHandler answers SDP offers with a low-latency Opus track carrying
// the master mix.
type WebRTCHandler struct {
	broadcaster *Broadcaster
	bitrate     int

	mu    sync.Mutex
	peers map[*webrtc.PeerConnection]*Listener
}

// NewWebRTCHandler creates a handler that streams at bitrate bits/s
// (0 picks 128 kb/s).
func NewWebRTCHandler(b *Broadcaster, bitrate int) *WebRTCHandler {
	if bitrate <= 0 {
		bitrate = 128000
	}
	return &WebRTCHandler{
		broadcaster: b,
		bitrate:     bitrate,
		peers:       make(map[*webrtc.PeerConnection]*Listener),
	}
}

// PeerCount returns the number of connected peers.
func (h *WebRTCHandler) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *WebRTCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("Access-Control-Allow-Methods", "POST")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodPost:
	default:
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, "invalid SDP offer", http.StatusBadRequest)
		return
	}

	pc, track, err := negotiate(r.Context(), offer)
	if err != nil {
		log.Printf("WebRTC: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	listener := h.broadcaster.Subscribe()
	h.mu.Lock()
	h.peers[pc] = listener
	n := len(h.peers)
	h.mu.Unlock()
	log.Printf("WebRTC peer connected (total: %d)", n)

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			h.drop(pc)
		}
	})
	go h.pump(listener, track)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pc.LocalDescription())
}

// negotiate builds a peer connection with one Opus track and completes ICE
// gathering, so the answer can be returned in a single response.
func negotiate(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, nil, fmt.Errorf("create peer connection: %w", err)
	}
	fail := func(step string, err error) (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
		pc.Close()
		return nil, nil, fmt.Errorf("%s: %w", step, err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: audio.SampleRate, Channels: audio.Channels},
		"audio",
		"reelcast-preview",
	)
	if err != nil {
		return fail("create audio track", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		return fail("add track", err)
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fail("set remote description", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail("create answer", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fail("set local description", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return fail("gather candidates", ctx.Err())
	}
	return pc, track, nil
}

// drop forgets a peer once; later state changes for it are ignored.
func (h *WebRTCHandler) drop(pc *webrtc.PeerConnection) {
	h.mu.Lock()
	listener, ok := h.peers[pc]
	delete(h.peers, pc)
	n := len(h.peers)
	h.mu.Unlock()
	if !ok {
		return
	}
	h.broadcaster.Unsubscribe(listener)
	pc.Close()
	log.Printf("WebRTC peer disconnected (remaining: %d)", n)
}

// pump encodes each master-mix frame to Opus until the listener is dropped.
func (h *WebRTCHandler) pump(listener *Listener, track *webrtc.TrackLocalStaticSample) {
	defer h.broadcaster.Unsubscribe(listener)

	enc, err := opus.NewEncoder(audio.SampleRate, audio.Channels, opus.AppAudio)
	if err != nil {
		log.Printf("WebRTC: opus encoder error: %v", err)
		return
	}
	if err := enc.SetBitrate(h.bitrate); err != nil {
		log.Printf("WebRTC: set bitrate %d: %v", h.bitrate, err)
	}

	packet := make([]byte, opusMaxPacket)
	for {
		select {
		case <-listener.Done():
			return
		case frame, ok := <-listener.C:
			if !ok {
				return
			}
			n, err := enc.EncodeFloat32(frame, packet)
			if err != nil {
				log.Printf("WebRTC: opus encode error: %v", err)
				continue
			}
			if err := track.WriteSample(media.Sample{Data: packet[:n], Duration: audio.FrameDuration}); err != nil {
				return
			}
		}
	}
}
