// Package live is a client for the Gemini Live bidirectional streaming API.
//
// A Client moves through Connecting, Ready and Closed. Server output is
// delivered on channels; sends are dropped until the setup handshake
// completes.
package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"
)

const (
	DefaultURL      = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	DefaultModel    = "gemini-2.0-flash-live-001"
	DefaultVoice    = "Puck"
	DefaultLanguage = "en-US"

	// InputMIMEType is the format of audio sent to the model.
	InputMIMEType = "audio/pcm;rate=16000"

	writeWait       = 10 * time.Second
	maxMessageBytes = 4 << 20
	contentBuffer   = 64
	errorBuffer     = 16
)

// ErrClosed is the close cause after a local Close.
var ErrClosed = errors.New("live client closed")

// State is the connection state.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ProtocolError reports a server frame that could not be interpreted. The
// frame is dropped and the connection stays up.
type ProtocolError struct {
	Size int
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("live protocol error (%d byte frame): %v", e.Size, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Config configures a Client.
type Config struct {
	URL               string
	APIKey            string
	Model             string
	Voice             string
	Language          string
	SystemInstruction string
	Tools             []*genai.Tool
	HandshakeTimeout  time.Duration
	Dialer            *websocket.Dialer
}

// ServerContent is the model output carried by one server message.
type ServerContent struct {
	// Audio holds base64 PCM16 chunks at 24kHz.
	Audio         []string
	Text          []string
	FunctionCalls []*genai.FunctionCall
	TurnComplete  bool
	Interrupted   bool
}

func (c ServerContent) empty() bool {
	return len(c.Audio) == 0 && len(c.Text) == 0 && len(c.FunctionCalls) == 0 && !c.TurnComplete && !c.Interrupted
}

// SanitizeModel strips any resource path prefix such as "models/" from a
// model name.
func SanitizeModel(model string) string {
	if idx := strings.LastIndex(model, "/"); idx >= 0 {
		model = model[idx+1:]
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return DefaultModel
	}
	return model
}

// Client is one Live session.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	state   atomic.Int32

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
	err       error

	content chan ServerContent
	errs    chan error

	droppedAudio atomic.Int64
}

// Dial opens the socket and sends the setup message. The returned client is
// Connecting; Ready() closes once the server acknowledges setup.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	endpoint, err := endpointURL(cfg)
	if err != nil {
		return nil, err
	}

	dialer := cfg.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		dialer = &d
	}
	if cfg.HandshakeTimeout > 0 {
		d := *dialer
		d.HandshakeTimeout = cfg.HandshakeTimeout
		dialer = &d
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial live api: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial live api: %w", err)
	}
	conn.SetReadLimit(maxMessageBytes)

	model := SanitizeModel(cfg.Model)
	c := &Client{
		conn:    conn,
		logger:  logger.With("component", "live", "model", model),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		content: make(chan ServerContent, contentBuffer),
		errs:    make(chan error, errorBuffer),
	}

	if err := c.write(setupMessage(cfg, model)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send setup: %w", err)
	}
	go c.readLoop()
	return c, nil
}

func endpointURL(cfg Config) (string, error) {
	raw := cfg.URL
	if raw == "" {
		raw = DefaultURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse live url: %w", err)
	}
	if cfg.APIKey != "" {
		q := u.Query()
		q.Set("key", cfg.APIKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func setupMessage(cfg Config, model string) *genai.LiveClientMessage {
	voice := cfg.Voice
	if voice == "" {
		voice = DefaultVoice
	}
	language := cfg.Language
	if language == "" {
		language = DefaultLanguage
	}
	setup := &genai.LiveClientSetup{
		Model: "models/" + model,
		GenerationConfig: &genai.GenerationConfig{
			ResponseModalities: []genai.Modality{genai.ModalityAudio},
			SpeechConfig: &genai.SpeechConfig{
				VoiceConfig: &genai.VoiceConfig{
					PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
				},
				LanguageCode: language,
			},
		},
		Tools: cfg.Tools,
	}
	if cfg.SystemInstruction != "" {
		setup.SystemInstruction = genai.NewContentFromText(cfg.SystemInstruction, genai.RoleUser)
	}
	return &genai.LiveClientMessage{Setup: setup}
}

// State returns the current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

// Ready is closed when the setup handshake completes.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// Done is closed when the client reaches Closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Content carries model output in arrival order.
func (c *Client) Content() <-chan ServerContent { return c.content }

// Errors carries non-fatal *ProtocolError values. Errors are dropped when
// nobody is reading.
func (c *Client) Errors() <-chan error { return c.errs }

// Err returns why the client closed, or nil while it is open.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// SendAudio forwards a base64 PCM16 16kHz chunk. It reports whether the
// frame was written.
func (c *Client) SendAudio(pcmB64 string) bool {
	if !c.canSend() {
		if c.droppedAudio.Add(1) == 1 {
			c.logger.Warn("dropping audio before live session is ready", "state", c.State().String())
		}
		return false
	}
	data, err := base64.StdEncoding.DecodeString(pcmB64)
	if err != nil {
		c.logger.Warn("dropping undecodable audio chunk", "error", err)
		return false
	}
	return c.send(&genai.LiveClientMessage{
		RealtimeInput: &genai.LiveClientRealtimeInput{
			MediaChunks: []*genai.Blob{{Data: data, MIMEType: InputMIMEType}},
		},
	})
}

// SendText sends a complete user turn.
func (c *Client) SendText(text string) bool {
	if !c.canSend() {
		c.logger.Warn("dropping text before live session is ready", "state", c.State().String())
		return false
	}
	return c.send(&genai.LiveClientMessage{
		ClientContent: &genai.LiveClientContent{
			Turns:        []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
			TurnComplete: true,
		},
	})
}

// SendFunctionResult answers a function call. A non-empty errMsg is sent in
// place of the result.
func (c *Client) SendFunctionResult(id, name string, result any, errMsg string) bool {
	if !c.canSend() {
		c.logger.Warn("dropping function result", "function", name, "state", c.State().String())
		return false
	}
	response := map[string]any{"result": result}
	if errMsg != "" {
		response = map[string]any{"error": errMsg}
	}
	return c.send(&genai.LiveClientMessage{
		ToolResponse: &genai.LiveClientToolResponse{
			FunctionResponses: []*genai.FunctionResponse{{ID: id, Name: name, Response: response}},
		},
	})
}

// Close ends the session. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeWithError(ErrClosed)
	return nil
}

func (c *Client) canSend() bool {
	return c.State() == StateReady
}

func (c *Client) send(msg *genai.LiveClientMessage) bool {
	if err := c.write(msg); err != nil {
		c.logger.Warn("live write failed", "error", err)
		c.closeWithError(fmt.Errorf("write: %w", err))
		return false
	}
	return true
}

func (c *Client) write(msg *genai.LiveClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) closeWithError(cause error) {
	c.closeOnce.Do(func() {
		c.err = cause
		c.state.Store(int32(StateClosed))
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second)) //nolint:errcheck
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = c.conn.Close()
		close(c.done)
		if cause != nil && !errors.Is(cause, ErrClosed) {
			c.logger.Info("live session closed", "cause", cause)
		}
	})
}

func (c *Client) markReady() {
	c.readyOnce.Do(func() {
		if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateReady)) {
			return
		}
		c.logger.Info("live session ready")
		close(c.ready)
	})
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.closeWithError(fmt.Errorf("server closed: %w", err))
			} else {
				c.closeWithError(fmt.Errorf("read: %w", err))
			}
			return
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	var msg genai.LiveServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reportError(&ProtocolError{Size: len(data), Err: err})
		return
	}

	// Usage metadata arrives before setupComplete on some deployments; either
	// one completes the handshake.
	if msg.SetupComplete != nil || msg.UsageMetadata != nil {
		c.markReady()
	}
	if msg.GoAway != nil {
		c.logger.Warn("live server going away", "time_left", msg.GoAway.TimeLeft)
	}

	var out ServerContent
	if sc := msg.ServerContent; sc != nil {
		out.TurnComplete = sc.TurnComplete
		out.Interrupted = sc.Interrupted
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil {
					continue
				}
				if part.InlineData != nil && strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
					out.Audio = append(out.Audio, base64.StdEncoding.EncodeToString(part.InlineData.Data))
				}
				if part.Text != "" {
					out.Text = append(out.Text, part.Text)
				}
			}
		}
	}
	if msg.ToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			if fc != nil && fc.Name != "" {
				out.FunctionCalls = append(out.FunctionCalls, fc)
			}
		}
	}
	if out.empty() {
		return
	}

	select {
	case c.content <- out:
	case <-c.done:
	}
}

func (c *Client) reportError(err error) {
	c.logger.Warn("dropping live frame", "error", err)
	select {
	case c.errs <- err:
	default:
	}
}
