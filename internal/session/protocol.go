package session

import (
	"encoding/base64"

	"github.com/voicechat-io/voiced/internal/pipeline"
)

// Wire message types. The protocol is a closed set: clients send audio
// frames, the server answers with exactly one response, info or error
// message per turn outcome.
const (
	msgTypeAudio    = "audio"
	msgTypeResponse = "response"
	msgTypeInfo     = "info"
	msgTypeError    = "error"
)

// inboundMessage is a client-to-server frame.
type inboundMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"` // base64 audio payload
}

// outboundMessage is a server-to-client frame.
type outboundMessage struct {
	Type      string `json:"type"`
	UserInput string `json:"user_input,omitempty"`
	Text      string `json:"text,omitempty"`
	Audio     string `json:"audio,omitempty"` // base64, absent on text-only turns
	Message   string `json:"message,omitempty"`
}

func responseMessage(result pipeline.Result) outboundMessage {
	msg := outboundMessage{
		Type:      msgTypeResponse,
		UserInput: result.UserText,
		Text:      result.ReplyText,
	}
	if len(result.ReplyAudio) > 0 {
		msg.Audio = base64.StdEncoding.EncodeToString(result.ReplyAudio)
	}
	return msg
}

func infoMessage(text string) outboundMessage {
	return outboundMessage{Type: msgTypeInfo, Message: text}
}

func errorMessage(text string) outboundMessage {
	return outboundMessage{Type: msgTypeError, Message: text}
}
