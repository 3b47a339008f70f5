//go:build portaudio

package app

import "github.com/smarchetti/sona/internal/tts"

func newPlayer() tts.Player {
	p, err := tts.NewPortAudioPlayer()
	if err != nil {
		// Device init failures fall back to the simulated sink so the
		// rest of the pipeline stays usable.
		return tts.NewMockPlayer()
	}
	return p
}
