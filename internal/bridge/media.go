package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Twilio Media Streams event names.
const (
	eventConnected = "connected"
	eventStart     = "start"
	eventMedia     = "media"
	eventStop      = "stop"
	eventMark      = "mark"
	eventDTMF      = "dtmf"
	eventClear     = "clear"
)

// Custom stream parameters set by the voice webhook.
const (
	ParamAgentID   = "agentId"
	ParamUserID    = "userId"
	ParamFrom      = "from"
	ParamTo        = "to"
	ParamToken     = "token"
	ParamIVRMenuID = "ivrMenuId"
)

// ProtocolError reports a telephony frame that could not be interpreted.
// The frame is dropped and the session continues.
type ProtocolError struct {
	Event string
	Size  int
	Err   error
}

func (e *ProtocolError) Error() string {
	if e.Event != "" {
		return fmt.Sprintf("media stream protocol error (%s event, %d bytes): %v", e.Event, e.Size, e.Err)
	}
	return fmt.Sprintf("media stream protocol error (%d bytes): %v", e.Size, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

type mediaEvent struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSid      string        `json:"streamSid,omitempty"`
	Start          *startPayload `json:"start,omitempty"`
	Media          *mediaPayload `json:"media,omitempty"`
	Mark           *markPayload  `json:"mark,omitempty"`
	DTMF           *dtmfPayload  `json:"dtmf,omitempty"`
}

type startPayload struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid,omitempty"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      *mediaFormat      `json:"mediaFormat,omitempty"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

type dtmfPayload struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

// outboundFrame is written to Twilio.
type outboundFrame struct {
	Event     string         `json:"event"`
	StreamSid string         `json:"streamSid"`
	Media     *outboundMedia `json:"media,omitempty"`
	Mark      *markPayload   `json:"mark,omitempty"`
}

type outboundMedia struct {
	Payload string `json:"payload"`
}

func decodeEvent(data []byte) (*mediaEvent, error) {
	var ev mediaEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, &ProtocolError{Size: len(data), Err: err}
	}
	if ev.Event == "" {
		return nil, &ProtocolError{Size: len(data), Err: errors.New("missing event type")}
	}
	switch ev.Event {
	case eventStart:
		if ev.Start == nil || ev.Start.CallSid == "" {
			return nil, &ProtocolError{Event: ev.Event, Size: len(data), Err: errors.New("start without callSid")}
		}
		if ev.Start.StreamSid == "" {
			ev.Start.StreamSid = ev.StreamSid
		}
	case eventMedia:
		if ev.Media == nil {
			return nil, &ProtocolError{Event: ev.Event, Size: len(data), Err: errors.New("media without payload")}
		}
	case eventDTMF:
		if ev.DTMF == nil {
			return nil, &ProtocolError{Event: ev.Event, Size: len(data), Err: errors.New("dtmf without digit")}
		}
	}
	return &ev, nil
}
