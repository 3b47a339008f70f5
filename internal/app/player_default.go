//go:build !portaudio

package app

import "github.com/smarchetti/sona/internal/tts"

// newPlayer returns the simulated sink. Builds tagged portaudio swap in
// the device-backed player.
func newPlayer() tts.Player {
	return tts.NewMockPlayer()
}
