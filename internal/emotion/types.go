package emotion

import "time"

// Emotion is the closed set of categories the classifier can report.
type Emotion string

const (
	Happy      Emotion = "happy"
	Sad        Emotion = "sad"
	Angry      Emotion = "angry"
	Fearful    Emotion = "fearful"
	Surprised  Emotion = "surprised"
	Calm       Emotion = "calm"
	Anxious    Emotion = "anxious"
	Frustrated Emotion = "frustrated"
	Hopeful    Emotion = "hopeful"
	Neutral    Emotion = "neutral"
)

// Tone steers the synthesis voice quality.
type Tone string

const (
	ToneCompassionate Tone = "compassionate"
	ToneEncouraging   Tone = "encouraging"
	ToneMeditative    Tone = "meditative"
	ToneEnergetic     Tone = "energetic"
	ToneCalm          Tone = "calm"
)

// Detection is one classification result. Snapshots are immutable;
// a new Detection replaces the old one atomically.
//
// Arousal, Valence, and Dominance are all expressed in [0,1] with 0.5
// as the neutral midpoint; the category profiles live in the same
// space. A signed valence maps through 2v-1.
type Detection struct {
	Primary             Emotion
	Secondary           Emotion
	Confidence          float64
	SecondaryConfidence float64
	Arousal             float64
	Valence             float64
	Dominance           float64
	Timestamp           time.Time
}

// Adaptation is the synthesis target derived from detected emotion.
// Current values move toward the target by bounded interpolation and
// are never snapped.
type Adaptation struct {
	SpeechRate    float64 // multiplier, 1.0 = neutral
	Pitch         float64 // multiplier, 1.0 = neutral
	Volume        float64 // 0..1
	Tone          Tone
	PauseDuration float64 // multiplier on inter-chunk pauses
	Warmth        float64 // 0..1
	Energy        float64 // 0..1
}

// DefaultAdaptation is the resting state used before any emotion has
// been committed and whenever analysis is unavailable.
func DefaultAdaptation() Adaptation {
	return Adaptation{
		SpeechRate:    1.0,
		Pitch:         1.0,
		Volume:        1.0,
		Tone:          ToneCompassionate,
		PauseDuration: 1.0,
		Warmth:        0.7,
		Energy:        0.5,
	}
}

// adaptationTargets maps each committed emotion to the voice the
// companion should answer with. The mapping is deliberately counter
// balancing: an anxious speaker gets a slower, warmer voice rather
// than a mirror of their own state.
var adaptationTargets = map[Emotion]Adaptation{
	Happy:      {SpeechRate: 1.1, Pitch: 1.05, Volume: 1.0, Tone: ToneEnergetic, PauseDuration: 0.9, Warmth: 0.7, Energy: 0.8},
	Sad:        {SpeechRate: 0.85, Pitch: 0.95, Volume: 0.9, Tone: ToneCompassionate, PauseDuration: 1.3, Warmth: 0.9, Energy: 0.4},
	Angry:      {SpeechRate: 0.9, Pitch: 0.95, Volume: 0.9, Tone: ToneCalm, PauseDuration: 1.2, Warmth: 0.8, Energy: 0.4},
	Fearful:    {SpeechRate: 0.85, Pitch: 0.95, Volume: 0.9, Tone: ToneCompassionate, PauseDuration: 1.25, Warmth: 0.9, Energy: 0.35},
	Surprised:  {SpeechRate: 1.0, Pitch: 1.0, Volume: 1.0, Tone: ToneCalm, PauseDuration: 1.0, Warmth: 0.7, Energy: 0.6},
	Calm:       {SpeechRate: 0.95, Pitch: 1.0, Volume: 1.0, Tone: ToneMeditative, PauseDuration: 1.1, Warmth: 0.8, Energy: 0.5},
	Anxious:    {SpeechRate: 0.85, Pitch: 0.95, Volume: 0.9, Tone: ToneMeditative, PauseDuration: 1.3, Warmth: 0.9, Energy: 0.35},
	Frustrated: {SpeechRate: 0.9, Pitch: 0.95, Volume: 0.9, Tone: ToneEncouraging, PauseDuration: 1.2, Warmth: 0.8, Energy: 0.45},
	Hopeful:    {SpeechRate: 1.05, Pitch: 1.02, Volume: 1.0, Tone: ToneEncouraging, PauseDuration: 0.95, Warmth: 0.75, Energy: 0.7},
	Neutral:    {SpeechRate: 1.0, Pitch: 1.0, Volume: 1.0, Tone: ToneCompassionate, PauseDuration: 1.0, Warmth: 0.7, Energy: 0.5},
}

// TargetFor returns the adaptation target for an emotion. Unknown
// values fall back to the default.
func TargetFor(e Emotion) Adaptation {
	if t, ok := adaptationTargets[e]; ok {
		return t
	}
	return DefaultAdaptation()
}

// TrendDirection describes how a tracked dimension moved across the
// recent history window.
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendStable     TrendDirection = "stable"
	TrendDecreasing TrendDirection = "decreasing"
	TrendImproving  TrendDirection = "improving"
	TrendDeclining  TrendDirection = "declining"
)

// Trend compares the newest five history entries with the five before
// them.
type Trend struct {
	Arousal TrendDirection
	Valence TrendDirection
}
