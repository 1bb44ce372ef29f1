// Package relaywire is the JSON framing spoken between relay clients and the
// hub over a websocket.
package relaywire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type Op string

const (
	OpRegister   Op = "register"
	OpRegistered Op = "registered"
	OpSend       Op = "send"
	OpSignal     Op = "signal"
	OpError      Op = "error"
)

type Frame struct {
	Op       Op        `json:"op"`
	UserID   string    `json:"userId,omitempty"`
	From     string    `json:"from,omitempty"`
	Envelope *Envelope `json:"envelope,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// EncodingBase64 marks a signal that is not JSON. It travels as a base64
// JSON string so arbitrary bytes survive.
const EncodingBase64 = "base64"

// Envelope is the signal envelope wire shape.
type Envelope struct {
	TargetUserID string          `json:"targetUserId"`
	Type         string          `json:"type"`
	Signal       json.RawMessage `json:"signal,omitempty"`
	Encoding     string          `json:"encoding,omitempty"`
	IsVideo      bool            `json:"isVideo"`
}

// FromDomain encodes env. A JSON payload is embedded as is, anything else
// base64 encoded.
func FromDomain(env domain.SignalEnvelope) (*Envelope, error) {
	out := &Envelope{
		TargetUserID: env.TargetIdentity.String(),
		Type:         string(env.Kind),
		IsVideo:      env.VideoRequested,
	}
	if len(env.Payload) == 0 {
		return out, nil
	}
	if json.Valid(env.Payload) {
		out.Signal = json.RawMessage(env.Payload)
		return out, nil
	}
	raw, err := json.Marshal(base64.StdEncoding.EncodeToString(env.Payload))
	if err != nil {
		return nil, fmt.Errorf("encoding signal: %w", err)
	}
	out.Signal = raw
	out.Encoding = EncodingBase64
	return out, nil
}

// ToDomain decodes e as sent by from.
func (e *Envelope) ToDomain(from string) (domain.SignalEnvelope, error) {
	env := domain.SignalEnvelope{
		TargetIdentity: domain.UserID(e.TargetUserID),
		SenderIdentity: domain.UserID(from),
		Kind:           domain.SignalKind(e.Type),
		VideoRequested: e.IsVideo,
	}
	switch e.Encoding {
	case "":
		if len(e.Signal) > 0 {
			env.Payload = []byte(e.Signal)
		}
	case EncodingBase64:
		var text string
		if err := json.Unmarshal(e.Signal, &text); err != nil {
			return domain.SignalEnvelope{}, fmt.Errorf("decoding signal: %w", err)
		}
		payload, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return domain.SignalEnvelope{}, fmt.Errorf("decoding signal: %w", err)
		}
		env.Payload = payload
	default:
		return domain.SignalEnvelope{}, fmt.Errorf("unknown signal encoding %q", e.Encoding)
	}
	return env, nil
}

func Register(userID domain.UserID) Frame {
	return Frame{Op: OpRegister, UserID: userID.String()}
}

func Registered(userID domain.UserID) Frame {
	return Frame{Op: OpRegistered, UserID: userID.String()}
}

func Error(msg string) Frame {
	return Frame{Op: OpError, Message: msg}
}
