package avatar

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v3"

	"github.com/square-key-labs/avatarcall/src/logger"
)

// peer is the media side of a renderer session
type peer interface {
	// Offer creates the local offer and waits for ICE gathering
	Offer(ctx context.Context) (webrtc.SessionDescription, error)
	Accept(answer webrtc.SessionDescription) error
	Close() error
}

type peerFactory func(cfg Config, log *logger.Logger, onFailed func(error)) (peer, error)

// pionPeer receives the renderer's audio and video tracks
type pionPeer struct {
	pc  *webrtc.PeerConnection
	log *logger.Logger
}

func newPionPeer(cfg Config, log *logger.Logger, onFailed func(error)) (peer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))

	servers := []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	if len(cfg.ICEServers) == 0 {
		servers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		out := cfg.AudioOutput
		if remote.Kind() == webrtc.RTPCodecTypeVideo {
			out = cfg.VideoOutput
		}
		log.Info("Remote %s track received: codec=%s", remote.Kind(), remote.Codec().MimeType)
		if out == nil {
			return
		}
		go pump(remote, out, log)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug("Peer connection state: %s", state)
		if state == webrtc.PeerConnectionStateFailed {
			onFailed(errors.New("peer connection failed"))
		}
	})

	return &pionPeer{pc: pc, log: log}, nil
}

// pump copies RTP packets from a remote track into an output until the
// track ends
func pump(remote *webrtc.TrackRemote, out MediaOutput, log *logger.Logger) {
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			log.Debug("%s track ended: %v", remote.Kind(), err)
			return
		}
		if err := out.WriteRTP(pkt); err != nil {
			log.Warn("Failed to write %s packet: %v", remote.Kind(), err)
		}
	}
}

func (p *pionPeer) Offer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}
	local := p.pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, errors.New("no local description")
	}
	return *local, nil
}

func (p *pionPeer) Accept(answer webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(answer)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
