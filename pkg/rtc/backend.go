package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"golang.org/x/time/rate"

	"github.com/ethan/nest-hub-bridge/pkg/backend"
	"github.com/ethan/nest-hub-bridge/pkg/config"
	"github.com/ethan/nest-hub-bridge/pkg/framestore"
	"github.com/ethan/nest-hub-bridge/pkg/homegraph"
	"github.com/ethan/nest-hub-bridge/pkg/logger"
	"github.com/ethan/nest-hub-bridge/pkg/media"
)

const (
	pliInterval    = 2 * time.Second
	controlTimeout = 10 * time.Second
	gatherTimeout  = 10 * time.Second

	audioPayloadType = 111
	videoPayloadType = 102
	h264FmtpLine     = "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=4d0028"
)

// Config wires a WebRTC backend to its collaborators
type Config struct {
	Options *config.Options
	Store   *framestore.Store
	Logger  *logger.Logger

	// HasConsumers gates automatic reconnection
	HasConsumers func() bool

	// NewControlClient overrides control client construction (tests).
	// When nil a homegraph client is built for the device endpoint host.
	NewControlClient func(device backend.DeviceState) (*homegraph.Client, error)
}

// Backend implements the media backend over a gRPC control channel and a
// negotiated WebRTC peer connection. The control channel owns the session
// lifecycle (resolve, view, offer, extend, end); the peer connection owns
// the media plane.
type Backend struct {
	logger *logger.Logger
	opts   *config.Options
	store  *framestore.Store

	hasConsumers func() bool
	newControl   func(device backend.DeviceState) (*homegraph.Client, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	limiter *rate.Limiter

	mu         sync.Mutex
	state      backend.State
	device     backend.DeviceState
	ctl        *homegraph.Client
	pc         *webrtc.PeerConnection
	audioTrack *webrtc.TrackLocalStaticRTP
	resolvedID string
	streamID   string
	talkActive bool
	framer     talkbackFramer
	closing    bool
}

// New creates a WebRTC backend. Connect must be called before media flows.
func New(cfg Config) (*Backend, error) {
	if cfg.Options == nil || cfg.Store == nil {
		return nil, fmt.Errorf("rtc backend: %w: options and store are required", backend.ErrInvalidArgument)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	if cfg.HasConsumers == nil {
		cfg.HasConsumers = cfg.Store.HasConsumers
	}

	b := &Backend{
		logger:       cfg.Logger.With("component", "rtc"),
		opts:         cfg.Options,
		store:        cfg.Store,
		hasConsumers: cfg.HasConsumers,
		limiter:      rate.NewLimiter(rate.Every(2*time.Second), 1),
		state:        backend.StateDisconnected,
	}

	b.newControl = cfg.NewControlClient
	if b.newControl == nil {
		b.newControl = func(device backend.DeviceState) (*homegraph.Client, error) {
			return homegraph.New(homegraph.Config{
				Host:      device.EndpointHost,
				AuthToken: device.AuthToken,
				UserAgent: cfg.Options.UserAgent,
				Logger:    cfg.Logger,
			})
		}
	}
	return b, nil
}

// Update delivers a fresh device state snapshot
func (b *Backend) Update(state backend.DeviceState) {
	b.mu.Lock()
	b.device = state
	ctl := b.ctl
	b.mu.Unlock()

	if ctl != nil {
		ctl.SetAuthToken(state.AuthToken)
	}
}

// State reports the connection tri-state
func (b *Backend) State() backend.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Connect opens the backend if it is not already open or opening
func (b *Backend) Connect() {
	b.mu.Lock()
	if b.state != backend.StateDisconnected {
		b.mu.Unlock()
		return
	}
	b.state = backend.StateConnecting
	b.closing = false
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.mu.Unlock()

	b.wg.Add(1)
	go b.run()
}

// Close tears the session down: stop talkback if active, end the stream
// when stopStreamFirst is set, then destroy the control client and peer
// connection.
func (b *Backend) Close(stopStreamFirst bool) {
	b.mu.Lock()
	if b.state == backend.StateDisconnected && b.pc == nil {
		b.mu.Unlock()
		return
	}
	b.closing = true
	cancel := b.cancel
	ctl := b.ctl
	resolved, stream := b.resolvedID, b.streamID
	talkActive := b.talkActive
	b.talkActive = false
	b.mu.Unlock()

	if ctl != nil && stream != "" {
		ctx, done := context.WithTimeout(context.Background(), controlTimeout)
		if talkActive {
			if err := ctl.StopTalkback(ctx, resolved, stream); err != nil {
				b.logger.Warn("stop talkback on close failed", "error", err)
			}
		}
		if stopStreamFirst {
			if err := ctl.EndStream(ctx, resolved, stream); err != nil {
				b.logger.Warn("end stream on close failed", "error", err)
			}
		}
		done()
	}

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()

	b.mu.Lock()
	b.state = backend.StateDisconnected
	b.mu.Unlock()
}

// SendTalkback frames one chunk of return audio as RTP on the negotiated
// audio sender. The first non-empty chunk opens the talkback control
// session; a zero-length chunk closes it.
func (b *Backend) SendTalkback(data []byte) error {
	b.mu.Lock()
	connected := b.state == backend.StateConnected
	ctl, resolved, stream := b.ctl, b.resolvedID, b.streamID
	track := b.audioTrack
	active := b.talkActive
	b.mu.Unlock()

	if !connected || ctl == nil || track == nil {
		return backend.ErrNotConnected
	}

	ctx, done := context.WithTimeout(context.Background(), controlTimeout)
	defer done()

	if len(data) == 0 {
		if !active {
			return nil
		}
		b.mu.Lock()
		b.talkActive = false
		b.mu.Unlock()
		return ctl.StopTalkback(ctx, resolved, stream)
	}

	if !active {
		if err := ctl.StartTalkback(ctx, resolved, stream); err != nil {
			return fmt.Errorf("start talkback: %w", err)
		}
		b.mu.Lock()
		b.talkActive = true
		b.mu.Unlock()
		b.logger.Info("talkback started", "stream_id", stream)
	}

	b.mu.Lock()
	pkt := b.framer.packet(data, time.Now())
	b.mu.Unlock()

	b.logger.DebugTalkback("talkback chunk sent", "bytes", len(data), "seq", pkt.SequenceNumber)
	return track.WriteRTP(pkt)
}

// run is the session lifecycle loop: one iteration per negotiated session
func (b *Backend) run() {
	defer b.wg.Done()

	for {
		if err := b.limiter.Wait(b.ctx); err != nil {
			return
		}

		if err := b.session(); err != nil {
			b.logger.Warn("session ended", "error", err)
		}
		b.teardown()

		b.mu.Lock()
		closing := b.closing
		if closing {
			b.state = backend.StateDisconnected
		} else {
			b.state = backend.StateConnecting
		}
		b.mu.Unlock()

		// The media plane is gone, so filler frames must flow again until
		// the next session is established. A deliberate Close leaves the
		// mode to the owner.
		if !closing {
			b.store.SetMode(framestore.ModeOffline)
		}

		if closing || b.ctx.Err() != nil {
			return
		}
		if !b.hasConsumers() {
			b.logger.Info("no consumers remain, not reconnecting")
			b.mu.Lock()
			b.state = backend.StateDisconnected
			b.mu.Unlock()
			return
		}
	}
}

// session negotiates and services one viewing session until the peer
// connection degrades or the backend is closed
func (b *Backend) session() error {
	b.mu.Lock()
	device := b.device
	b.mu.Unlock()

	if device.EndpointHost == "" {
		return fmt.Errorf("no endpoint host for device %s", device.DeviceID)
	}

	ctl, err := b.newControl(device)
	if err != nil {
		return fmt.Errorf("control client: %w", err)
	}
	b.mu.Lock()
	b.ctl = ctl
	b.mu.Unlock()

	ctx, cancelCalls := context.WithTimeout(b.ctx, controlTimeout)
	resolved, err := ctl.ResolveDeviceID(ctx, device.DeviceID)
	cancelCalls()
	if err != nil {
		return err
	}

	ctx, cancelCalls = context.WithTimeout(b.ctx, controlTimeout)
	err = ctl.StartViewing(ctx, resolved)
	cancelCalls()
	if err != nil {
		return err
	}

	pc, audioTrack, err := b.newPeerConnection()
	if err != nil {
		return err
	}

	down := make(chan struct{})
	var downOnce sync.Once
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		b.logger.Info("peer connection state changed", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateNew,
			webrtc.PeerConnectionStateConnecting,
			webrtc.PeerConnectionStateConnected:
		default:
			downOnce.Do(func() { close(down) })
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		b.handleTrack(pc, track)
	})

	b.mu.Lock()
	b.pc = pc
	b.audioTrack = audioTrack
	b.resolvedID = resolved
	b.framer = talkbackFramer{}
	b.mu.Unlock()

	streamID, err := b.negotiate(pc, ctl, resolved)
	if err != nil {
		return err
	}
	b.established(streamID, resolved)

	extend := time.NewTicker(b.opts.ExtendInterval)
	defer extend.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return nil
		case <-down:
			return fmt.Errorf("peer connection degraded")
		case <-extend.C:
			ctx, cancelCalls := context.WithTimeout(b.ctx, controlTimeout)
			err := ctl.ExtendStream(ctx, resolved, streamID)
			cancelCalls()
			if err != nil {
				// Reconnect policy rides on peer-connection state, an
				// extend failure alone is only logged
				b.logger.Warn("extend failed", "stream_id", streamID, "error", err)
			} else {
				b.logger.DebugWebRTC("stream extended", "stream_id", streamID)
			}
		}
	}
}

// established marks the session live: real media is expected from the peer
// from here on, so synthetic filler injection stops
func (b *Backend) established(streamID, resolved string) {
	b.mu.Lock()
	b.streamID = streamID
	b.state = backend.StateConnected
	b.mu.Unlock()

	b.store.SetMode(framestore.ModeLive)
	b.logger.Info("session established", "stream_id", streamID, "resolved_id", resolved)
}

// newPeerConnection builds an ICE-less peer connection with the fixed codec
// set: Opus 48 kHz stereo and H.264 main 4.0, audio sendrecv, video
// recvonly, plus an empty data channel.
func (b *Backend) newPeerConnection() (*webrtc.PeerConnection, *webrtc.TrackLocalStaticRTP, error) {
	m := &webrtc.MediaEngine{}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
			RTCPFeedback: []webrtc.RTCPFeedback{
				{Type: webrtc.TypeRTCPFBTransportCC},
				{Type: webrtc.TypeRTCPFBNACK},
			},
		},
		PayloadType: audioPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, nil, fmt.Errorf("register opus codec: %w", err)
	}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: h264FmtpLine,
			RTCPFeedback: []webrtc.RTCPFeedback{
				{Type: webrtc.TypeRTCPFBTransportCC},
				{Type: webrtc.TypeRTCPFBNACK},
				{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
				{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"},
				{Type: webrtc.TypeRTCPFBGoogREMB},
			},
		},
		PayloadType: videoPayloadType,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, nil, fmt.Errorf("register h264 codec: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, nil, fmt.Errorf("create peer connection: %w", err)
	}

	audioTrack, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "talkback")
	if err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("create talkback track: %w", err)
	}

	if _, err := pc.AddTransceiverFromTrack(audioTrack, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("add audio transceiver: %w", err)
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("add video transceiver: %w", err)
	}

	if _, err := pc.CreateDataChannel("", nil); err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("create data channel: %w", err)
	}

	return pc, audioTrack, nil
}

// negotiate performs the offer/answer exchange over the control channel
func (b *Backend) negotiate(pc *webrtc.PeerConnection, ctl *homegraph.Client, resolved string) (string, error) {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-webrtc.GatheringCompletePromise(pc):
	case <-time.After(gatherTimeout):
		return "", fmt.Errorf("candidate gathering timeout")
	case <-b.ctx.Done():
		return "", b.ctx.Err()
	}

	ctx, done := context.WithTimeout(b.ctx, controlTimeout)
	defer done()
	answer, streamID, err := ctl.JoinStreamOffer(ctx, resolved, pc.LocalDescription().SDP)
	if err != nil {
		return "", err
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}
	return streamID, nil
}

// handleTrack services one remote track: video flows through the H.264
// depacketizer into the store, audio keeps the store's audio lane fed with
// silence until a real transcoding path exists
func (b *Backend) handleTrack(pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	b.logger.Info("remote track",
		"kind", track.Kind().String(),
		"codec", track.Codec().MimeType,
		"ssrc", uint32(track.SSRC()))

	switch track.Kind() {
	case webrtc.RTPCodecTypeVideo:
		go b.pliLoop(pc, uint32(track.SSRC()))
		b.readVideo(track)
	case webrtc.RTPCodecTypeAudio:
		b.readAudio(track)
	}
}

func (b *Backend) readVideo(track *webrtc.TrackRemote) {
	depacketizer := NewDepacketizer()
	depacketizer.OnNALU = func(nalu []byte) {
		b.logger.DebugNALUnit(nalu[0]&0x1F, len(nalu), false)
		b.store.Push(media.KindVideo, nalu)
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			b.logger.DebugWebRTC("video track read ended", "error", err)
			return
		}
		if pkt.Padding && len(pkt.Payload) == 0 {
			continue
		}
		b.logger.DebugRTPPacket(pkt.SequenceNumber, pkt.Timestamp, pkt.PayloadType, len(pkt.Payload))
		if err := depacketizer.Process(pkt); err != nil {
			b.logger.Warn("depacketize failed", "error", err)
		}
	}
}

// readAudio substitutes AAC silence for every received audio packet; the
// contract with downstream consumers is that the audio sink never stalls
func (b *Backend) readAudio(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			b.logger.DebugWebRTC("audio track read ended", "error", err)
			return
		}
		if pkt.Padding && len(pkt.Payload) == 0 {
			continue
		}
		b.store.Push(media.KindAudio, media.AACSilence)
	}
}

// pliLoop periodically requests a keyframe for the video SSRC so late
// joiners are never more than a couple of seconds from a decodable frame
func (b *Backend) pliLoop(pc *webrtc.PeerConnection, ssrc uint32) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
			if err != nil {
				b.logger.DebugWebRTC("pli write failed", "error", err)
				return
			}
		}
	}
}

// teardown destroys the peer connection and control client of the current
// session
func (b *Backend) teardown() {
	b.mu.Lock()
	pc, ctl := b.pc, b.ctl
	b.pc = nil
	b.ctl = nil
	b.audioTrack = nil
	b.streamID = ""
	b.talkActive = false
	b.mu.Unlock()

	if pc != nil {
		pc.Close()
	}
	if ctl != nil {
		ctl.Close()
	}
}
