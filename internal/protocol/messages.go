package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAudioChunk MessageType = "client_audio_chunk"
	TypeClientControl    MessageType = "client_control"
	TypeVADState         MessageType = "vad_state"
	TypeEmotionState     MessageType = "emotion_state"
	TypeProcessedAudio   MessageType = "processed_audio"
	TypeTTSChunkProgress MessageType = "tts_chunk_progress"
	TypeSystemEvent      MessageType = "system_event"
	TypeErrorEvent       MessageType = "error_event"
)

// Control actions accepted in ClientControl.Action.
const (
	ActionCalibrateNoise    = "calibrate_noise"
	ActionResetNoiseProfile = "reset_noise_profile"
	ActionSpeak             = "speak"
	ActionPause             = "pause"
	ActionResume            = "resume"
	ActionStopSpeaking      = "stop_speaking"
	ActionSkipForward       = "skip_forward"
	ActionSkipBackward      = "skip_backward"
	ActionSetVolume         = "set_volume"
)

var ErrUnsupportedType = errors.New("unsupported message type")

var knownActions = map[string]bool{
	ActionCalibrateNoise:    true,
	ActionResetNoiseProfile: true,
	ActionSpeak:             true,
	ActionPause:             true,
	ActionResume:            true,
	ActionStopSpeaking:      true,
	ActionSkipForward:       true,
	ActionSkipBackward:      true,
	ActionSetVolume:         true,
}

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	// Text carries the utterance for a speak action.
	Text string `json:"text,omitempty"`
	// Volume carries the target level for a set_volume action.
	Volume *float64 `json:"volume,omitempty"`
	// DurationMs carries the capture window for a calibrate_noise action.
	DurationMs int64 `json:"duration_ms,omitempty"`
	TSMs       int64 `json:"ts_ms,omitempty"`
}

type VADState struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Phase       string      `json:"phase"`
	Probability float64     `json:"probability"`
	Energy      float64     `json:"energy"`
	NoiseFloor  float64     `json:"noise_floor"`
	SpeechMs    int64       `json:"speech_ms"`
	TSMs        int64       `json:"ts_ms"`
}

type EmotionState struct {
	Type                MessageType `json:"type"`
	SessionID           string      `json:"session_id"`
	Primary             string      `json:"primary"`
	Secondary           string      `json:"secondary,omitempty"`
	Confidence          float64     `json:"confidence"`
	SecondaryConfidence float64     `json:"secondary_confidence,omitempty"`
	Arousal             float64     `json:"arousal"`
	Valence             float64     `json:"valence"`
	Dominance           float64     `json:"dominance"`
	Tone                string      `json:"tone"`
	TSMs                int64       `json:"ts_ms"`
}

type ProcessedAudio struct {
	Type           MessageType `json:"type"`
	SessionID      string      `json:"session_id"`
	Seq            int         `json:"seq"`
	PCM16Base64    string      `json:"pcm16_base64"`
	SampleRate     int         `json:"sample_rate"`
	NoiseReduction float64     `json:"noise_reduction"`
	TSMs           int64       `json:"ts_ms"`
}

type TTSChunkProgress struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	ChunkID     int         `json:"chunk_id"`
	TotalChunks int         `json:"total_chunks"`
	Status      string      `json:"status"`
	Fallback    bool        `json:"fallback,omitempty"`
	Network     string      `json:"network,omitempty"`
	TSMs        int64       `json:"ts_ms"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		if !knownActions[msg.Action] {
			return nil, fmt.Errorf("unknown control action %q", msg.Action)
		}
		if msg.Action == ActionSpeak && msg.Text == "" {
			return nil, errors.New("speak action requires text")
		}
		if msg.Action == ActionSetVolume && msg.Volume == nil {
			return nil, errors.New("set_volume action requires volume")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
