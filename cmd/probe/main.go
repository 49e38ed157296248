package main

import (
	"bufio"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ethan/nest-hub-bridge/pkg/backend"
	"github.com/ethan/nest-hub-bridge/pkg/config"
	"github.com/ethan/nest-hub-bridge/pkg/framed"
	"github.com/ethan/nest-hub-bridge/pkg/logger"
)

// Diagnostic tool for the framed endpoint: performs the hello handshake,
// starts playback, and reports per-record-type counts and media byte rates.

func main() {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)

	host := fs.String("host", "", "Endpoint host")
	port := fs.Int("port", config.DefaultFramedPort, "Endpoint TLS port")
	deviceID := fs.String("device", "", "Device id")
	token := fs.String("token", "", "Auth token")
	authKind := fs.String("auth", "session", "Credential shape: session, oauth2")
	duration := fs.Duration("duration", 30*time.Second, "How long to observe the stream")
	insecure := fs.Bool("insecure", false, "Skip TLS certificate verification")
	fs.Parse(os.Args[1:])

	logCfg, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Close()

	if *host == "" || *deviceID == "" {
		log.Error("both -host and -device are required")
		os.Exit(1)
	}

	addr := net.JoinHostPort(*host, strconv.Itoa(*port))
	log.Info("dialing", "addr", addr)

	conn, err := tls.DialWithDialer(
		&net.Dialer{Timeout: 10 * time.Second},
		"tcp", addr,
		&tls.Config{ServerName: *host, InsecureSkipVerify: *insecure})
	if err != nil {
		log.Error("dial failed", "error", err)
		os.Exit(1)
	}
	defer conn.Close()
	log.Info("connected", "cipher", tls.CipherSuiteName(conn.ConnectionState().CipherSuite))

	hello := &framed.Hello{
		ProtocolVersion:  3,
		UUID:             uuid.NewString(),
		RequireConnected: true,
		DeviceID:         *deviceID,
		UserAgent:        config.DefaultUserAgent,
	}
	switch *authKind {
	case "oauth2":
		hello.Authorize = &framed.AuthorizeRequest{OliveToken: *token}
	default:
		hello.SessionToken = *token
	}

	if err := writeRecord(conn, framed.Record{Type: framed.TypeHello, Payload: hello.Marshal()}); err != nil {
		log.Error("hello failed", "error", err)
		os.Exit(1)
	}

	start := &framed.StartPlayback{
		SessionID: 1,
		Profile:   framed.ProfileVideoH264L40,
		OtherProfiles: []uint32{
			framed.ProfileVideoH264L31,
			framed.ProfileAudioAAC,
			framed.ProfileAudioOpus,
		},
	}

	reader := bufio.NewReaderSize(conn, 64*1024)
	deadline := time.Now().Add(*duration)
	counts := make(map[framed.PacketType]int)
	var mediaBytes int64

	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		rec, err := framed.ReadRecord(reader)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			log.Error("read failed", "error", err)
			break
		}
		counts[rec.Type]++

		switch rec.Type {
		case framed.TypeOk:
			log.Info("authenticated, starting playback")
			if err := writeRecord(conn, framed.Record{Type: framed.TypeStartPlayback, Payload: start.Marshal()}); err != nil {
				log.Error("start playback failed", "error", err)
				os.Exit(1)
			}

		case framed.TypeError:
			var msg framed.ErrorMsg
			if err := msg.Unmarshal(rec.Payload); err == nil {
				log.Error("remote error", "code", msg.Code, "message", msg.Message)
			}

		case framed.TypePlaybackBegin:
			var begin framed.PlaybackBegin
			if err := begin.Unmarshal(rec.Payload); err == nil {
				for _, ch := range begin.Channels {
					log.Info("channel advertised",
						"channel", ch.ChannelID,
						"codec", ch.CodecType.String(),
						"sample_rate", ch.SampleRate)
				}
			}

		case framed.TypePlaybackPacket, framed.TypeLongPlaybackPacket:
			mediaBytes += int64(len(rec.Payload))

		case framed.TypeClockSync:
			writeRecord(conn, framed.Record{Type: framed.TypeClockSyncEcho, Payload: rec.Payload})
		}
	}

	log.Info("probe complete", "duration", duration.String())
	for typ, n := range counts {
		log.Info("record count", "type", typ.String(), "count", n)
	}
	log.Info("media volume",
		"bytes", mediaBytes,
		"rate_kbps", float64(mediaBytes)*8/1000/duration.Seconds())

	if err := backendOK(counts); err != nil {
		log.Error("verdict", "error", err)
		os.Exit(1)
	}
	log.Info("verdict: endpoint healthy")
}

func writeRecord(conn net.Conn, rec framed.Record) error {
	buf, err := framed.EncodeRecord(rec)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Write(buf)
	return err
}

// backendOK decides whether the observed traffic looks like a working stream
func backendOK(counts map[framed.PacketType]int) error {
	if counts[framed.TypeOk] == 0 {
		return fmt.Errorf("never authenticated: %w", backend.ErrNotConnected)
	}
	if counts[framed.TypePlaybackBegin] == 0 {
		return fmt.Errorf("playback never started")
	}
	if counts[framed.TypePlaybackPacket]+counts[framed.TypeLongPlaybackPacket] == 0 {
		return fmt.Errorf("no media packets observed")
	}
	return nil
}
