package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// WebRTCConfig tunes the pion transport.
type WebRTCConfig struct {
	// STUNServers to use for candidate discovery. Default: Google STUN.
	STUNServers []string
}

// PionFactory returns a TransportFactory backed by pion/webrtc.
// Each pairing gets a fresh receive-only PeerConnection; local capture
// is the embedding application's concern (it can add tracks through the
// pion APIs), the core only needs the handshake and inbound media.
func PionFactory(cfg WebRTCConfig) TransportFactory {
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
	return func() (Transport, error) {
		return newPionTransport(cfg)
	}
}

// pionTransport adapts a webrtc.PeerConnection to the Transport seam.
// Descriptions and candidates cross the seam as JSON blobs so the store
// never needs to understand SDP.
type pionTransport struct {
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	closed    bool
}

func newPionTransport(cfg WebRTCConfig) (*pionTransport, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: cfg.STUNServers}},
	})
	if err != nil {
		return nil, err
	}

	// Recvonly transceivers so CreateOffer/CreateAnswer always produce
	// valid m-lines with ICE credentials.
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, err
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, err
	}

	return &pionTransport{pc: pc}, nil
}

func (t *pionTransport) CreateOffer(ctx context.Context) (string, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return marshalDescription(t.pc.LocalDescription())
}

func (t *pionTransport) CreateAnswer(ctx context.Context, remoteOffer string) (string, error) {
	desc, err := unmarshalDescription(remoteOffer)
	if err != nil {
		return "", err
	}
	if err := t.applyRemote(desc); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return marshalDescription(t.pc.LocalDescription())
}

func (t *pionTransport) SetRemoteDescription(ctx context.Context, desc string) error {
	sd, err := unmarshalDescription(desc)
	if err != nil {
		return err
	}
	if err := t.applyRemote(sd); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// applyRemote sets the remote description and flushes candidates that
// trickled in before it — the answer and its candidates live on the
// same row, but a redelivered feed can still hand us a candidate first.
func (t *pionTransport) applyRemote(sd webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(sd); err != nil {
		return err
	}
	t.mu.Lock()
	t.remoteSet = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("flush candidate: %w", err)
		}
	}
	return nil
}

func (t *pionTransport) AddRemoteCandidate(candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	t.mu.Lock()
	if !t.remoteSet {
		t.pending = append(t.pending, init)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	return t.pc.AddICECandidate(init)
}

func (t *pionTransport) OnLocalCandidate(fn func(string)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering finished
		}
		blob, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		fn(string(blob))
	})
}

func (t *pionTransport) OnRemoteTrack(fn func(Track)) {
	t.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(Track{Kind: tr.Kind().String(), ID: tr.ID()})
	})
}

func (t *pionTransport) OnStateChange(fn func(TransportState)) {
	t.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		switch st {
		case webrtc.PeerConnectionStateConnecting:
			fn(TransportConnecting)
		case webrtc.PeerConnectionStateConnected:
			fn(TransportConnected)
		case webrtc.PeerConnectionStateDisconnected:
			fn(TransportDisconnected)
		case webrtc.PeerConnectionStateFailed:
			fn(TransportFailed)
		case webrtc.PeerConnectionStateClosed:
			fn(TransportClosed)
		}
	})
}

func (t *pionTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.pc.Close()
}

func marshalDescription(sd *webrtc.SessionDescription) (string, error) {
	if sd == nil {
		return "", fmt.Errorf("nil local description")
	}
	blob, err := json.Marshal(sd)
	if err != nil {
		return "", err
	}
	return string(blob), nil
}

func unmarshalDescription(blob string) (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal([]byte(blob), &sd); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("decode description: %w", err)
	}
	return sd, nil
}
