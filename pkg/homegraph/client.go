// Package homegraph is the gRPC-over-HTTP/2 control client for the camera
// service: device-graph resolution, viewing grants, stream join/extend/end,
// and talkback control.
package homegraph

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"sync"

	"golang.org/x/net/http2"

	"github.com/ethan/nest-hub-bridge/pkg/logger"
)

// gRPC method paths on the control service
const (
	methodGetHomeGraph = "/nest.camera.v1.StructureService/GetHomeGraph"
	methodStartViewing = "/nest.camera.v1.CameraStreamingService/StartViewing"
	methodJoinStream   = "/nest.camera.v1.CameraStreamingService/JoinStream"
	methodSendTalkback = "/nest.camera.v1.CameraStreamingService/SendTalkback"
	methodStopTalkback = "/nest.camera.v1.CameraStreamingService/StopTalkback"
)

const maxResponseFrame = 4 << 20

// ErrDeviceNotFound is returned when no home-graph device matches
var ErrDeviceNotFound = fmt.Errorf("device not found in home graph")

// Config wires a control client
type Config struct {
	// Host is the control service authority, e.g. "webrtc.nest.example.com"
	Host      string
	AuthToken string
	UserAgent string
	Logger    *logger.Logger

	// HTTPClient overrides the HTTP/2 client (tests). When nil a
	// dedicated HTTP/2 transport is constructed.
	HTTPClient *http.Client
}

// Client issues unary gRPC calls over a persistent HTTP/2 connection. Each
// request body is one length-prefixed frame; the grpc-status trailer is the
// call verdict.
type Client struct {
	logger    *logger.Logger
	host      string
	authToken string
	userAgent string
	http      *http.Client

	mu       sync.Mutex
	resolved map[string]string // deviceId -> home-graph id
}

// New creates a control client
func New(cfg Config) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("homegraph: host is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http2.Transport{
				TLSClientConfig: &tls.Config{ServerName: cfg.Host},
			},
		}
	}

	return &Client{
		logger:    cfg.Logger.With("component", "homegraph"),
		host:      cfg.Host,
		authToken: cfg.AuthToken,
		userAgent: cfg.UserAgent,
		http:      httpClient,
		resolved:  make(map[string]string),
	}, nil
}

// SetAuthToken swaps the bearer token used on subsequent calls
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	c.authToken = token
	c.mu.Unlock()
}

// Close drops idle HTTP/2 connections
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// ResolveDeviceID translates an opaque device id into the service's internal
// identifier by scanning each home's devices for a matching third-party id.
// Translations are cached for the client's lifetime.
func (c *Client) ResolveDeviceID(ctx context.Context, deviceID string) (string, error) {
	c.mu.Lock()
	if id, ok := c.resolved[deviceID]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	body, err := c.call(ctx, methodGetHomeGraph, nil)
	if err != nil {
		return "", fmt.Errorf("get home graph: %w", err)
	}

	var graph GetHomeGraphResponse
	if err := graph.Unmarshal(body); err != nil {
		return "", fmt.Errorf("decode home graph: %w", err)
	}

	id, ok := MatchDevice(&graph, deviceID)
	if !ok {
		return "", fmt.Errorf("resolve %q: %w", deviceID, ErrDeviceNotFound)
	}

	c.mu.Lock()
	c.resolved[deviceID] = id
	c.mu.Unlock()

	c.logger.Info("device resolved", "device_id", deviceID, "resolved_id", id)
	return id, nil
}

// MatchDevice scans a home graph for the device whose id or third-party ids
// include deviceID
func MatchDevice(graph *GetHomeGraphResponse, deviceID string) (string, bool) {
	for _, home := range graph.Homes {
		for _, dev := range home.Devices {
			if dev.ID == deviceID {
				return dev.ID, true
			}
			for _, tp := range dev.ThirdPartyIDs {
				if tp == deviceID {
					return dev.ID, true
				}
			}
		}
	}
	return "", false
}

// StartViewing requests a viewing grant for a resolved device
func (c *Client) StartViewing(ctx context.Context, resolvedID string) error {
	body, err := c.call(ctx, methodStartViewing, (&StartViewingRequest{DeviceID: resolvedID}).Marshal())
	if err != nil {
		return fmt.Errorf("start viewing: %w", err)
	}

	var resp StartViewingResponse
	if err := resp.Unmarshal(body); err != nil {
		return fmt.Errorf("decode start viewing: %w", err)
	}
	if resp.Status != 0 {
		return fmt.Errorf("start viewing rejected: status %d %s", resp.Status, resp.Message)
	}
	return nil
}

// JoinStreamOffer sends the local SDP offer and returns the remote answer
// and the stream id
func (c *Client) JoinStreamOffer(ctx context.Context, resolvedID, offerSDP string) (answer, streamID string, err error) {
	resp, err := c.joinStream(ctx, &JoinStreamRequest{
		Command:       CommandOffer,
		DeviceID:      resolvedID,
		Offer:         offerSDP,
		Resolution:    ResolutionFullHigh,
		StreamContext: StreamContextDefault,
	})
	if err != nil {
		return "", "", err
	}
	if resp.Status != 0 || resp.Answer == "" {
		return "", "", fmt.Errorf("offer rejected: status %d", resp.Status)
	}
	return resp.Answer, resp.StreamID, nil
}

// ExtendStream renews a viewing session. A response whose extension status
// is anything but extended is reported as an error.
func (c *Client) ExtendStream(ctx context.Context, resolvedID, streamID string) error {
	resp, err := c.joinStream(ctx, &JoinStreamRequest{
		Command:  CommandExtend,
		DeviceID: resolvedID,
		StreamID: streamID,
	})
	if err != nil {
		return err
	}
	if resp.ExtensionStatus != ExtensionStatusExtended {
		return fmt.Errorf("stream not extended: %q", resp.ExtensionStatus)
	}
	return nil
}

// EndStream ends a viewing session with the user-exited reason
func (c *Client) EndStream(ctx context.Context, resolvedID, streamID string) error {
	_, err := c.joinStream(ctx, &JoinStreamRequest{
		Command:   CommandEnd,
		DeviceID:  resolvedID,
		StreamID:  streamID,
		EndReason: EndReasonUserExited,
	})
	return err
}

func (c *Client) joinStream(ctx context.Context, req *JoinStreamRequest) (*JoinStreamResponse, error) {
	body, err := c.call(ctx, methodJoinStream, req.Marshal())
	if err != nil {
		return nil, fmt.Errorf("join stream %s: %w", req.Command, err)
	}

	var resp JoinStreamResponse
	if err := resp.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("decode join stream %s: %w", req.Command, err)
	}
	return &resp, nil
}

// StartTalkback opens the return-audio path for a stream
func (c *Client) StartTalkback(ctx context.Context, resolvedID, streamID string) error {
	_, err := c.call(ctx, methodSendTalkback, (&TalkbackRequest{DeviceID: resolvedID, StreamID: streamID}).Marshal())
	if err != nil {
		return fmt.Errorf("start talkback: %w", err)
	}
	return nil
}

// StopTalkback closes the return-audio path
func (c *Client) StopTalkback(ctx context.Context, resolvedID, streamID string) error {
	_, err := c.call(ctx, methodStopTalkback, (&TalkbackRequest{DeviceID: resolvedID, StreamID: streamID}).Marshal())
	if err != nil {
		return fmt.Errorf("stop talkback: %w", err)
	}
	return nil
}

// call performs one unary gRPC request and returns the response message
func (c *Client) call(ctx context.Context, method string, msg []byte) ([]byte, error) {
	url := "https://" + c.host + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(EncodeFrame(msg)))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	c.mu.Lock()
	token := c.authToken
	c.mu.Unlock()

	req.Header.Set("Content-Type", "application/grpc+proto")
	req.Header.Set("TE", "trailers")
	req.Header.Set("User-Agent", c.userAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: http status %d", method, resp.StatusCode)
	}

	// A trailers-only response carries the status in the headers
	if status := resp.Header.Get("Grpc-Status"); status != "" && status != "0" {
		return nil, fmt.Errorf("%s: grpc status %s: %s", method, status, resp.Header.Get("Grpc-Message"))
	}

	body, err := DecodeFrame(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read frame: %w", method, err)
	}

	// Trailers are populated once the body has been consumed
	io.Copy(io.Discard, resp.Body)
	if status := resp.Trailer.Get("Grpc-Status"); status != "" && status != "0" {
		return nil, fmt.Errorf("%s: grpc status %s: %s", method, status, resp.Trailer.Get("Grpc-Message"))
	}

	c.logger.DebugWebRTC("control call ok", "method", method, "response_bytes", len(body))
	return body, nil
}

// EncodeFrame wraps a message in the gRPC length-prefixed framing: one
// reserved byte plus a 4-byte big-endian length
func EncodeFrame(msg []byte) []byte {
	buf := make([]byte, 5+len(msg))
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(msg)))
	copy(buf[5:], msg)
	return buf
}

// DecodeFrame reads one length-prefixed frame
func DecodeFrame(r io.Reader) ([]byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(hdr[1:5])
	if length > maxResponseFrame {
		return nil, fmt.Errorf("frame length %d exceeds limit", length)
	}

	msg := make([]byte, length)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return msg, nil
}
