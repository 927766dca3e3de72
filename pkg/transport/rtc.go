package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	opus "gopkg.in/hraban/opus.v2"

	"github.com/teslashibe/go-voicebus/pkg/audioio"
)

const (
	opusRate      = 48000
	opusMaxFrame  = 5760 // 120ms at 48kHz
	opusMaxPacket = 4000
)

// ErrInvalidOffer is returned for offers without SDP.
var ErrInvalidOffer = errors.New("transport: invalid offer")

// ErrTooManyPeers is returned when MaxPeers are already connected.
var ErrTooManyPeers = errors.New("transport: too many peers")

// SessionDescription is the JSON form of an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// RTCConfig configures the WebRTC transport.
type RTCConfig struct {
	// ICEServers are STUN/TURN URLs.
	ICEServers []string `mapstructure:"ice_servers"`

	// Input is the format inbound frames are delivered in.
	Input audioio.Format `mapstructure:"input"`

	// Output is the format SendFrame receives.
	Output audioio.Format `mapstructure:"output"`

	// GatherTimeout bounds ICE gathering while answering an offer.
	GatherTimeout time.Duration `mapstructure:"gather_timeout"`

	// MaxPeers caps concurrent peers.
	MaxPeers int `mapstructure:"max_peers"`
}

// DefaultRTCConfig returns the default configuration.
func DefaultRTCConfig() RTCConfig {
	return RTCConfig{
		ICEServers:    []string{"stun:stun.l.google.com:19302"},
		Input:         audioio.DefaultInputFormat(),
		Output:        audioio.DefaultOutputFormat(),
		GatherTimeout: 5 * time.Second,
		MaxPeers:      4,
	}
}

// Validate checks the configuration.
func (c RTCConfig) Validate() error {
	if err := c.Input.Validate(); err != nil {
		return err
	}
	if err := c.Output.Validate(); err != nil {
		return err
	}
	if c.GatherTimeout <= 0 {
		return errors.New("transport: gather_timeout must be positive")
	}
	if c.MaxPeers < 1 {
		return errors.New("transport: max_peers must be >= 1")
	}
	return nil
}

// RTC is a WebRTC Transport. Browsers connect by posting an SDP offer to
// HandleOffer. Each peer's microphone arrives as its own frame source
// ("rtc-<id>"); outbound audio is Opus-encoded and sent to every peer.
type RTC struct {
	cfg     RTCConfig
	logger  *slog.Logger
	handler handlerSlot
	ended   endSlot

	mu     sync.Mutex
	peers  map[string]*rtcPeer
	closed bool
}

type rtcPeer struct {
	id    string
	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticSample

	encMu sync.Mutex
	enc   *opus.Encoder
	buf   []byte

	connected atomic.Bool
}

// NewRTC creates a WebRTC transport with no peers.
func NewRTC(cfg RTCConfig, logger *slog.Logger) (*RTC, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RTC{
		cfg:    cfg,
		logger: logger.With("component", "transport.rtc"),
		peers:  make(map[string]*rtcPeer),
	}, nil
}

// HandleOffer creates a peer for offer and returns the SDP answer once ICE
// gathering completes.
func (r *RTC) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, ErrInvalidOffer
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return SessionDescription{}, ErrClosed
	}
	if len(r.peers) >= r.cfg.MaxPeers {
		r.mu.Unlock()
		return SessionDescription{}, ErrTooManyPeers
	}
	r.mu.Unlock()

	p, err := r.newPeer()
	if err != nil {
		return SessionDescription{}, err
	}
	logger := r.logger.With("peer", p.id)

	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Info("connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			p.connected.Store(true)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			p.connected.Store(false)
			r.drop(p.id)
		}
	})
	p.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		logger.Info("remote audio track", "codec", remote.Codec().MimeType)
		go r.readTrack(p.id, remote, logger)
	})

	fail := func(err error) (SessionDescription, error) {
		_ = p.pc.Close()
		return SessionDescription{}, fmt.Errorf("transport: answer offer: %w", err)
	}

	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return fail(err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fail(err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fail(err)
	}

	gctx, cancel := context.WithTimeout(ctx, r.cfg.GatherTimeout)
	defer cancel()
	select {
	case <-gatherComplete:
	case <-gctx.Done():
		return fail(gctx.Err())
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return fail(errors.New("no local description"))
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fail(ErrClosed)
	}
	r.peers[p.id] = p
	r.mu.Unlock()

	logger.Info("answered offer")
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

func (r *RTC) newPeer() (*rtcPeer, error) {
	var ice []webrtc.ICEServer
	if len(r.cfg.ICEServers) > 0 {
		ice = []webrtc.ICEServer{{URLs: r.cfg.ICEServers}}
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return nil, fmt.Errorf("transport: peer connection: %w", err)
	}

	id := uuid.NewString()[:8]
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusRate, Channels: 1},
		"voicebus-audio", "voicebus-"+id,
	)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("transport: local track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("transport: add track: %w", err)
	}

	enc, err := opus.NewEncoder(opusRate, 1, opus.AppVoIP)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("transport: opus encoder: %w", err)
	}

	return &rtcPeer{
		id:    id,
		pc:    pc,
		track: track,
		enc:   enc,
		buf:   make([]byte, opusMaxPacket),
	}, nil
}

// readTrack decodes inbound Opus RTP packets into frames of the input
// format until the track ends.
func (r *RTC) readTrack(id string, remote *webrtc.TrackRemote, logger *slog.Logger) {
	dec, err := opus.NewDecoder(opusRate, 1)
	if err != nil {
		logger.Error("opus decoder", "error", err)
		return
	}

	source := "rtc-" + id
	defer r.ended.emit(source)
	fr := newFramer(r.cfg.Input.FrameSamples())
	raw := make([]byte, 1500)
	pcm := make([]int16, opusMaxFrame)
	var pkt rtp.Packet

	for {
		n, _, err := remote.Read(raw)
		if err != nil {
			logger.Debug("track ended", "error", err)
			return
		}
		if err := pkt.Unmarshal(raw[:n]); err != nil {
			logger.Debug("bad rtp packet", "error", err)
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		samples, err := dec.Decode(pkt.Payload, pcm)
		if err != nil {
			logger.Debug("opus decode failed", "seq", pkt.SequenceNumber, "error", err)
			continue
		}

		in := audioio.Resample(pcm[:samples], opusRate, r.cfg.Input.SampleRate)
		now := time.Now()
		for i, frame := range fr.push(in) {
			r.handler.emit(audioio.Frame{
				Source:     source,
				Samples:    frame,
				SampleRate: r.cfg.Input.SampleRate,
				Timestamp:  now.Add(time.Duration(i) * r.cfg.Input.FrameDuration),
			})
		}
	}
}

// SendFrame encodes pcm once per peer and writes it to every connected
// peer's track.
func (r *RTC) SendFrame(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	peers := r.connectedPeers()
	if len(peers) == 0 {
		return ErrNotConnected
	}

	samples := audioio.Resample(audioio.BytesToSamples(pcm), r.cfg.Output.SampleRate, opusRate)
	var errs []error
	for _, p := range peers {
		if err := p.write(samples, r.cfg.Output.FrameDuration); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", p.id, err))
		}
	}
	return errors.Join(errs...)
}

func (p *rtcPeer) write(samples []int16, d time.Duration) error {
	p.encMu.Lock()
	defer p.encMu.Unlock()
	n, err := p.enc.Encode(samples, p.buf)
	if err != nil {
		return fmt.Errorf("opus encode: %w", err)
	}
	data := make([]byte, n)
	copy(data, p.buf[:n])
	return p.track.WriteSample(media.Sample{Data: data, Duration: d})
}

// OnFrame sets the inbound frame handler.
func (r *RTC) OnFrame(h FrameHandler) { r.handler.set(h) }

// OnStreamEnd sets the handler called when a peer's inbound track ends.
func (r *RTC) OnStreamEnd(h EndHandler) { r.ended.set(h) }

// Connected reports whether any peer is connected.
func (r *RTC) Connected() bool {
	return len(r.connectedPeers()) > 0
}

// Peers returns the ids of all peers, connected or still negotiating.
func (r *RTC) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	return ids
}

// Close closes every peer connection.
func (r *RTC) Close() error {
	r.mu.Lock()
	r.closed = true
	peers := r.peers
	r.peers = make(map[string]*rtcPeer)
	r.mu.Unlock()

	var errs []error
	for _, p := range peers {
		if err := p.pc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *RTC) connectedPeers() []*rtcPeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*rtcPeer
	for _, p := range r.peers {
		if p.connected.Load() {
			out = append(out, p)
		}
	}
	return out
}

func (r *RTC) drop(id string) {
	r.mu.Lock()
	p, ok := r.peers[id]
	delete(r.peers, id)
	r.mu.Unlock()
	if ok {
		go p.pc.Close()
	}
}

// Verify RTC implements Transport at compile time.
var (
	_ Transport   = (*RTC)(nil)
	_ StreamEnder = (*RTC)(nil)
)
