package framed

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ethan/nest-hub-bridge/pkg/backend"
	"github.com/ethan/nest-hub-bridge/pkg/config"
	"github.com/ethan/nest-hub-bridge/pkg/framestore"
	"github.com/ethan/nest-hub-bridge/pkg/logger"
	"github.com/ethan/nest-hub-bridge/pkg/media"
)

const (
	dialTimeout     = 10 * time.Second
	writeTimeout    = 5 * time.Second
	readDeadline    = 30 * time.Second
	helloVersion    = 3
	helloClientType = 3
)

// Config wires a framed backend to its collaborators
type Config struct {
	Options *config.Options
	Store   *framestore.Store
	Logger  *logger.Logger

	// HasConsumers gates automatic reconnection: a dropped connection is
	// only re-dialed while someone is still watching
	HasConsumers func() bool

	// TLSConfig overrides the dial TLS configuration (tests)
	TLSConfig *tls.Config
}

// Backend speaks the length-prefixed TLS protocol to one camera endpoint.
// One goroutine owns the connection lifecycle: dial, hello, playback,
// dispatch, reconnect. Public methods only flip state and write records.
type Backend struct {
	logger *logger.Logger
	opts   *config.Options
	store  *framestore.Store

	hasConsumers func() bool
	tlsConfig    *tls.Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Reconnect pacing
	limiter *rate.Limiter

	mu           sync.Mutex
	state        backend.State
	device       backend.DeviceState
	redirectHost string
	conn         net.Conn
	authed       bool
	reauthed     bool
	preAuth      []Record
	sessionID    uint32
	videoChannel uint32
	audioChannel uint32
	audioCodec   Codec
	playing      bool
	talkEnabled  bool
	lastMedia    time.Time
	closing      bool
}

// New creates a framed backend. Connect must be called before media flows.
func New(cfg Config) (*Backend, error) {
	if cfg.Options == nil || cfg.Store == nil {
		return nil, fmt.Errorf("framed backend: %w: options and store are required", backend.ErrInvalidArgument)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	if cfg.HasConsumers == nil {
		cfg.HasConsumers = cfg.Store.HasConsumers
	}

	return &Backend{
		logger:       cfg.Logger.With("component", "framed"),
		opts:         cfg.Options,
		store:        cfg.Store,
		hasConsumers: cfg.HasConsumers,
		tlsConfig:    cfg.TLSConfig,
		limiter:      rate.NewLimiter(rate.Every(2*time.Second), 1),
		state:        backend.StateDisconnected,
	}, nil
}

// Update delivers a fresh device state snapshot. A changed endpoint host
// drops the current connection so the next attempt lands on the new host.
func (b *Backend) Update(state backend.DeviceState) {
	b.mu.Lock()
	hostChanged := b.device.EndpointHost != "" && b.device.EndpointHost != state.EndpointHost
	b.device = state
	if hostChanged {
		b.redirectHost = ""
	}
	conn := b.conn
	b.mu.Unlock()

	if hostChanged && conn != nil {
		b.logger.Info("endpoint host changed, dropping connection", "host", state.EndpointHost)
		conn.Close()
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

// Close tears the backend down. When stopStreamFirst is set a StopPlayback
// is written before the transport is destroyed.
func (b *Backend) Close(stopStreamFirst bool) {
	b.mu.Lock()
	if b.state == backend.StateDisconnected && b.conn == nil {
		b.mu.Unlock()
		return
	}
	b.closing = true
	cancel := b.cancel
	conn := b.conn
	playing := b.playing
	sid := b.sessionID
	b.mu.Unlock()

	if stopStreamFirst && playing && conn != nil {
		b.writeRecord(Record{Type: TypeStopPlayback, Payload: (&StopPlayback{SessionID: sid}).Marshal()})
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	b.wg.Wait()

	b.mu.Lock()
	b.state = backend.StateDisconnected
	b.mu.Unlock()
}

// SendTalkback routes one chunk of return audio to the camera as a speex
// payload. Zero-length chunks and chunks arriving before TalkbackBegin are
// dropped.
func (b *Backend) SendTalkback(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	b.mu.Lock()
	connected := b.state == backend.StateConnected
	enabled := b.talkEnabled
	sid := b.sessionID
	b.mu.Unlock()

	if !connected {
		return backend.ErrNotConnected
	}
	if !enabled {
		b.logger.DebugTalkback("talkback chunk dropped, not enabled", "bytes", len(data))
		return nil
	}

	payload := (&AudioPayload{
		Payload:    data,
		SessionID:  sid,
		Codec:      TalkbackCodec,
		SampleRate: TalkbackSampleRate,
	}).Marshal()
	return b.writeRecord(Record{Type: TypeAudioPayload, Payload: payload})
}

// run is the connection lifecycle loop: one iteration per TCP connection
func (b *Backend) run() {
	defer b.wg.Done()

	for {
		if err := b.limiter.Wait(b.ctx); err != nil {
			return
		}

		clean, err := b.connection()
		if err != nil {
			b.logger.Warn("connection ended", "error", err)
		}

		b.mu.Lock()
		closing := b.closing
		b.conn = nil
		b.authed = false
		b.playing = false
		b.talkEnabled = false
		if clean || closing {
			b.state = backend.StateDisconnected
		} else {
			b.state = backend.StateConnecting
		}
		b.mu.Unlock()

		// The connection is gone, so filler frames must flow again until the
		// next PlaybackBegin. A deliberate Close leaves the mode to the owner.
		if !closing {
			b.store.SetMode(framestore.ModeOffline)
		}

		if clean || closing {
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

// connection dials, authenticates, and dispatches records until the stream
// ends. The clean return value means playback was ended deliberately and no
// reconnect should follow.
func (b *Backend) connection() (clean bool, err error) {
	b.mu.Lock()
	host := b.device.EndpointHost
	if b.redirectHost != "" {
		host = b.redirectHost
	}
	device := b.device
	b.mu.Unlock()

	if host == "" {
		return false, fmt.Errorf("no endpoint host for device %s", device.DeviceID)
	}

	addr := net.JoinHostPort(host, strconv.Itoa(b.opts.FramedPort))
	b.logger.Info("dialing", "addr", addr)

	tlsConfig := b.tlsConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: host}
	}
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return true, nil
	}
	b.conn = conn
	b.preAuth = nil
	b.reauthed = false
	b.sessionID = rand.Uint32()
	b.mu.Unlock()

	if err := b.sendHello(device); err != nil {
		return false, fmt.Errorf("hello: %w", err)
	}

	// StartPlayback rides the pre-auth queue and is flushed once Ok arrives
	b.queueStartPlayback()

	watchCtx, stopWatch := context.WithCancel(b.ctx)
	defer stopWatch()
	go b.watchdog(watchCtx, conn)

	reader := bufio.NewReaderSize(conn, 64*1024)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return false, fmt.Errorf("set read deadline: %w", err)
		}

		rec, err := ReadRecord(reader)
		if err != nil {
			b.mu.Lock()
			closing := b.closing
			b.mu.Unlock()
			if closing {
				return true, nil
			}
			return false, fmt.Errorf("read record: %w", err)
		}

		clean, err := b.dispatch(rec)
		if err != nil || clean {
			return clean, err
		}
	}
}

func (b *Backend) sendHello(device backend.DeviceState) error {
	hello := &Hello{
		ProtocolVersion:  helloVersion,
		UUID:             uuid.NewString(),
		RequireConnected: true,
		DeviceID:         device.DeviceID,
		UserAgent:        b.opts.UserAgent,
		ClientType:       helloClientType,
	}
	switch device.AuthKind {
	case backend.AuthSession:
		hello.SessionToken = device.AuthToken
	case backend.AuthOAuth2:
		hello.Authorize = &AuthorizeRequest{OliveToken: device.AuthToken}
	}
	return b.writeRecord(Record{Type: TypeHello, Payload: hello.Marshal()})
}

func (b *Backend) queueStartPlayback() {
	b.mu.Lock()
	sid := b.sessionID
	b.mu.Unlock()

	start := &StartPlayback{
		SessionID: sid,
		Profile:   ProfileVideoH264L40,
		OtherProfiles: []uint32{
			ProfileVideoH264L31,
			ProfileAudioAAC,
			ProfileAudioOpus,
			ProfileAudioSpeex,
		},
	}
	b.writeRecord(Record{Type: TypeStartPlayback, Payload: start.Marshal()})
}

// dispatch handles one received record. The clean return value stops the
// connection without a reconnect.
func (b *Backend) dispatch(rec Record) (clean bool, err error) {
	b.logger.DebugFramed("record received", "type", rec.Type.String(), "bytes", len(rec.Payload))

	switch rec.Type {
	case TypeOk:
		return false, b.handleOk()

	case TypeError:
		return b.handleError(rec.Payload)

	case TypePlaybackBegin:
		return false, b.handlePlaybackBegin(rec.Payload)

	case TypePlaybackPacket, TypeLongPlaybackPacket:
		return false, b.handlePlaybackPacket(rec.Payload)

	case TypePlaybackEnd:
		return b.handlePlaybackEnd(rec.Payload)

	case TypeRedirect:
		return false, b.handleRedirect(rec.Payload)

	case TypeClockSync:
		// Echoed verbatim so the remote can measure round trip
		return false, b.writeRecord(Record{Type: TypeClockSyncEcho, Payload: rec.Payload})

	case TypeTalkbackBegin:
		b.mu.Lock()
		b.talkEnabled = true
		b.mu.Unlock()
		b.logger.Info("talkback enabled")
		return false, nil

	case TypeTalkbackEnd:
		b.mu.Lock()
		b.talkEnabled = false
		b.mu.Unlock()
		b.logger.Info("talkback ended")
		return false, nil

	case TypePing:
		return false, nil

	default:
		b.logger.DebugFramed("ignoring record", "type", rec.Type.String())
		return false, nil
	}
}

// handleOk marks the session authenticated and flushes the pre-auth queue
func (b *Backend) handleOk() error {
	b.mu.Lock()
	b.authed = true
	b.reauthed = false
	b.state = backend.StateConnected
	queued := b.preAuth
	b.preAuth = nil
	b.mu.Unlock()

	b.logger.Info("session authenticated", "queued_records", len(queued))
	for _, rec := range queued {
		if err := b.writeRecord(rec); err != nil {
			return fmt.Errorf("flush queued %s: %w", rec.Type.String(), err)
		}
	}
	return nil
}

// handleError answers an authorization failure with one AuthorizeRequest;
// a repeated failure ends the connection for good. Any other error code is
// logged and the stream carries on.
func (b *Backend) handleError(payload []byte) (clean bool, err error) {
	var msg ErrorMsg
	if err := msg.Unmarshal(payload); err != nil {
		return false, fmt.Errorf("decode error record: %w", err)
	}

	if msg.Code == ErrCodeAuthorizationFailed {
		b.mu.Lock()
		attempted := b.reauthed
		b.reauthed = true
		b.authed = false
		device := b.device
		b.mu.Unlock()

		if attempted {
			return true, fmt.Errorf("authorization rejected: %s", msg.Message)
		}

		b.logger.Warn("authorization failed, sending authorize request")
		auth := &AuthorizeRequest{}
		switch device.AuthKind {
		case backend.AuthSession:
			auth.SessionToken = device.AuthToken
		case backend.AuthOAuth2:
			auth.OliveToken = device.AuthToken
		}
		return false, b.writeRecord(Record{Type: TypeAuthorizeRequest, Payload: auth.Marshal()})
	}

	b.logger.Warn("remote error", "code", msg.Code, "message", msg.Message)
	return false, nil
}

// handlePlaybackBegin picks the media channels: the H264 channel carries
// video, and the best available audio channel is AAC, then Opus, then Speex
func (b *Backend) handlePlaybackBegin(payload []byte) error {
	var msg PlaybackBegin
	if err := msg.Unmarshal(payload); err != nil {
		return fmt.Errorf("decode playback begin: %w", err)
	}

	var videoCh, audioCh uint32
	audioCodec := Codec(0)
	audioRank := -1
	rank := func(c Codec) int {
		switch c {
		case CodecAAC:
			return 3
		case CodecOpus:
			return 2
		case CodecSpeex:
			return 1
		default:
			return 0
		}
	}

	for _, ch := range msg.Channels {
		switch ch.CodecType {
		case CodecH264:
			videoCh = ch.ChannelID
		case CodecAAC, CodecOpus, CodecSpeex:
			if r := rank(ch.CodecType); r > audioRank {
				audioRank = r
				audioCh = ch.ChannelID
				audioCodec = ch.CodecType
			}
		}
	}

	b.mu.Lock()
	b.sessionID = msg.SessionID
	b.videoChannel = videoCh
	b.audioChannel = audioCh
	b.audioCodec = audioCodec
	b.playing = true
	b.lastMedia = time.Now()
	b.mu.Unlock()

	b.store.SetMode(framestore.ModeLive)
	b.logger.Info("playback started",
		"session_id", msg.SessionID,
		"video_channel", videoCh,
		"audio_channel", audioCh,
		"audio_codec", audioCodec.String())
	return nil
}

// handlePlaybackPacket routes one media fragment into the frame store. Audio
// in a codec the downstream mux cannot carry is substituted with AAC silence
// so the audio track never starves.
func (b *Backend) handlePlaybackPacket(payload []byte) error {
	var msg PlaybackPacket
	if err := msg.Unmarshal(payload); err != nil {
		return fmt.Errorf("decode playback packet: %w", err)
	}

	b.mu.Lock()
	videoCh, audioCh, audioCodec := b.videoChannel, b.audioChannel, b.audioCodec
	b.lastMedia = time.Now()
	b.mu.Unlock()

	switch msg.ChannelID {
	case videoCh:
		b.store.Push(media.KindVideo, msg.Payload)
	case audioCh:
		if audioCodec == CodecAAC {
			b.store.Push(media.KindAudio, msg.Payload)
		} else {
			b.store.Push(media.KindAudio, media.AACSilence)
		}
	default:
		b.logger.DebugFramed("packet on unknown channel", "channel", msg.ChannelID)
	}
	return nil
}

func (b *Backend) handlePlaybackEnd(payload []byte) (clean bool, err error) {
	var msg PlaybackEnd
	if err := msg.Unmarshal(payload); err != nil {
		return false, fmt.Errorf("decode playback end: %w", err)
	}

	b.mu.Lock()
	b.playing = false
	b.mu.Unlock()

	if msg.Reason == ReasonUserEnded {
		b.logger.Info("playback ended by user")
		return true, nil
	}
	return false, fmt.Errorf("playback ended, reason %d", msg.Reason)
}

// handleRedirect records the new host and drops the connection; the run
// loop re-dials the redirect target
func (b *Backend) handleRedirect(payload []byte) error {
	var msg Redirect
	if err := msg.Unmarshal(payload); err != nil {
		return fmt.Errorf("decode redirect: %w", err)
	}

	b.mu.Lock()
	b.redirectHost = msg.NewHost
	b.mu.Unlock()

	b.logger.Info("redirected", "new_host", msg.NewHost, "transcode", msg.IsTranscode)
	return fmt.Errorf("redirect to %s", msg.NewHost)
}

// watchdog sends keepalive pings once the session is authenticated and
// drops a stalled connection. A stall is an authenticated, playing session
// with no media for the stall timeout.
func (b *Backend) watchdog(ctx context.Context, conn net.Conn) {
	ping := time.NewTicker(b.opts.PingInterval)
	defer ping.Stop()
	stall := time.NewTicker(time.Second)
	defer stall.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ping.C:
			b.mu.Lock()
			authed := b.authed
			b.mu.Unlock()
			if !authed {
				continue
			}
			if err := b.writeRecord(Record{Type: TypePing}); err != nil {
				b.logger.DebugFramed("ping write failed", "error", err)
				return
			}

		case <-stall.C:
			b.mu.Lock()
			stalled := b.playing && time.Since(b.lastMedia) > b.opts.StallTimeout
			b.mu.Unlock()
			if stalled {
				b.logger.Warn("stream stalled, dropping connection", "timeout", b.opts.StallTimeout)
				conn.Close()
				return
			}
		}
	}
}

// writeRecord encodes and writes one record. Records written before the Ok
// (other than hello and reauth) are queued and flushed by handleOk.
func (b *Backend) writeRecord(rec Record) error {
	b.mu.Lock()
	if !b.authed {
		switch rec.Type {
		case TypeHello, TypeAuthorizeRequest:
		default:
			b.preAuth = append(b.preAuth, rec)
			b.mu.Unlock()
			b.logger.DebugFramed("record queued pre-auth", "type", rec.Type.String())
			return nil
		}
	}
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		return backend.ErrNotConnected
	}

	buf, err := EncodeRecord(rec)
	if err != nil {
		return fmt.Errorf("encode %s: %w", rec.Type.String(), err)
	}

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("write %s: %w", rec.Type.String(), err)
	}

	b.logger.DebugFramed("record sent", "type", rec.Type.String(), "bytes", len(rec.Payload))
	return nil
}
