package tts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smarchetti/sona/internal/emotion"
)

// ChunkStatus is a chunk's position in its load/play lifecycle.
type ChunkStatus string

const (
	ChunkPending  ChunkStatus = "pending"
	ChunkLoading  ChunkStatus = "loading"
	ChunkReady    ChunkStatus = "ready"
	ChunkPlaying  ChunkStatus = "playing"
	ChunkComplete ChunkStatus = "complete"
	ChunkError    ChunkStatus = "error"
)

// Chunk is one synthesis unit of an utterance.
type Chunk struct {
	ID          int
	Text        string
	Status      ChunkStatus
	Audio       []byte
	Duration    time.Duration
	StartOffset time.Duration
	Fallback    bool          // synthesized by the local fallback
	LoadTime    time.Duration // synthesis wall time, zero until ready

	// failed marks a chunk both synthesizers gave up on. The error
	// status alone is transient while the fallback is still running.
	failed bool
}

// PlaybackState names the engine's top-level state.
type PlaybackState string

const (
	StateIdle      PlaybackState = "idle"
	StateBuffering PlaybackState = "buffering"
	StatePlaying   PlaybackState = "playing"
	StatePaused    PlaybackState = "paused"
	StateComplete  PlaybackState = "complete"
)

// StreamingState is the engine's externally visible snapshot. Reads
// are lock-free.
type StreamingState struct {
	State        PlaybackState
	CurrentChunk int
	TotalChunks  int
	Volume       float64
	Network      NetworkQuality
	Quality      SynthesisQuality
	Elapsed      time.Duration
}

var (
	ErrBusy          = errors.New("tts: already speaking")
	ErrInterrupted   = errors.New("tts: playback interrupted")
	errChunkFailed   = errors.New("tts: chunk failed on both synthesizers")
	errSkipRequested = errors.New("tts: skip requested")
)

type Config struct {
	MinChunkLen     int
	MaxChunkLen     int
	PreBufferChunks int           // default 2
	PollInterval    time.Duration // waitForChunk cadence, default 50ms
	Language        string
	VoiceStyle      string
}

func DefaultConfig() Config {
	return Config{
		MinChunkLen:     DefaultMinChunkLen,
		MaxChunkLen:     DefaultMaxChunkLen,
		PreBufferChunks: 2,
		PollInterval:    50 * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	if c.MinChunkLen <= 0 {
		c.MinChunkLen = DefaultMinChunkLen
	}
	if c.MaxChunkLen <= 0 {
		c.MaxChunkLen = DefaultMaxChunkLen
	}
	if c.PreBufferChunks <= 0 {
		c.PreBufferChunks = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
}

// AdaptationFunc supplies the current voice parameters at synthesis
// time, typically emotion.Engine.CurrentAdaptation.
type AdaptationFunc func() emotion.Adaptation

// OnChunkEvent observes chunk lifecycle transitions for progress
// reporting and metrics. Must not block.
type OnChunkEvent func(chunk Chunk)

// Engine streams synthesized speech: it chunks text, keeps a bounded
// pre-buffer loading ahead of playback, and plays chunks strictly in
// order. Network synthesis failures fall back to the local synthesizer
// chunk by chunk.
type Engine struct {
	OnChunk OnChunkEvent

	cfg        Config
	primary    Synthesizer
	fallback   Synthesizer
	player     Player
	adaptation AdaptationFunc

	window qualityWindow
	state  atomic.Pointer[StreamingState]

	mu          sync.Mutex
	chunks      []*Chunk
	active      bool
	cancel      context.CancelFunc
	cancelChunk context.CancelFunc
	done        chan struct{}
	skipTo      int // -1 when no skip is pending
	stopping    bool
	volume      float64
}

func NewEngine(cfg Config, primary, fallback Synthesizer, player Player, adapt AdaptationFunc) *Engine {
	cfg.applyDefaults()
	if adapt == nil {
		adapt = func() emotion.Adaptation { return emotion.DefaultAdaptation() }
	}
	e := &Engine{
		cfg:        cfg,
		primary:    primary,
		fallback:   fallback,
		player:     player,
		adaptation: adapt,
		skipTo:     -1,
		volume:     1,
	}
	e.storeState(StateIdle, 0, 0, 0)
	return e
}

// State returns the latest snapshot without locking.
func (e *Engine) State() StreamingState { return *e.state.Load() }

// Chunks returns a copy of the current utterance's chunk table.
func (e *Engine) Chunks() []Chunk {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Chunk, len(e.chunks))
	for i, c := range e.chunks {
		out[i] = *c
	}
	return out
}

// Speak synthesizes and plays text, returning once every chunk has
// completed. It fails if a chunk cannot be produced by either
// synthesizer, if the context ends, or if Stop interrupts playback;
// in every failure case the engine resets to idle so the next Speak
// starts clean.
func (e *Engine) Speak(ctx context.Context, text string) error {
	texts := SplitText(text, e.cfg.MinChunkLen, e.cfg.MaxChunkLen)
	if len(texts) == 0 {
		return nil
	}
	adapt := e.adaptation()

	chunks := make([]*Chunk, len(texts))
	var offset time.Duration
	for i, t := range texts {
		dur := EstimateDuration(t, adapt.SpeechRate)
		chunks[i] = &Chunk{ID: i, Text: t, Status: ChunkPending, Duration: dur, StartOffset: offset}
		offset += dur
	}

	e.mu.Lock()
	if e.active {
		e.mu.Unlock()
		return ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.active = true
	e.cancel = cancel
	e.done = make(chan struct{})
	e.skipTo = -1
	e.stopping = false
	e.chunks = chunks
	e.mu.Unlock()
	defer close(e.done)

	err := e.run(runCtx, chunks, adapt)

	e.mu.Lock()
	e.active = false
	e.cancel = nil
	stopped := e.stopping
	if err != nil {
		e.chunks = nil
	}
	e.mu.Unlock()

	switch {
	case stopped:
		e.storeState(StateIdle, 0, 0, 0)
		return ErrInterrupted
	case err != nil:
		e.storeState(StateIdle, 0, 0, 0)
		return err
	default:
		e.storeState(StateComplete, len(chunks), len(chunks), offset)
		return nil
	}
}

func (e *Engine) run(ctx context.Context, chunks []*Chunk, adapt emotion.Adaptation) error {
	e.storeState(StateBuffering, 0, len(chunks), 0)

	// Prime the pre-buffer.
	for i := 0; i < e.cfg.PreBufferChunks && i < len(chunks); i++ {
		e.maybeLoad(ctx, chunks[i], adapt)
	}

	i := 0
	for i < len(chunks) {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Keep the pre-buffer ahead of the playhead. The current chunk
		// is included so a skip cannot strand the playhead on a chunk
		// nothing ever scheduled.
		e.maybeLoad(ctx, chunks[i], adapt)
		if next := i + e.cfg.PreBufferChunks; next < len(chunks) {
			e.maybeLoad(ctx, chunks[next], adapt)
		}

		if err := e.waitForChunk(ctx, chunks[i]); err != nil {
			return err
		}

		e.setStatus(chunks[i], ChunkPlaying)
		e.storeState(StatePlaying, i, len(chunks), chunks[i].StartOffset)

		err := e.playChunk(ctx, chunks[i])
		switch {
		case err == nil:
			e.setStatus(chunks[i], ChunkComplete)
			i++
		case errors.Is(err, errSkipRequested):
			e.setStatus(chunks[i], ChunkReady)
			e.mu.Lock()
			target := e.skipTo
			e.skipTo = -1
			e.mu.Unlock()
			if target < 0 {
				target = 0
			}
			if target >= len(chunks) {
				// Skipping past the end finishes the utterance.
				for ; i < len(chunks); i++ {
					e.setStatus(chunks[i], ChunkComplete)
				}
				return nil
			}
			i = target
		default:
			return err
		}
	}
	return nil
}

// playChunk runs the player under a chunk context that skip requests
// cancel.
func (e *Engine) playChunk(ctx context.Context, c *Chunk) error {
	chunkCtx, cancelChunk := context.WithCancel(ctx)
	defer cancelChunk()

	e.mu.Lock()
	e.cancelChunk = cancelChunk
	audio := c.Audio
	dur := c.Duration
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cancelChunk = nil
		e.mu.Unlock()
	}()

	err := e.player.Play(chunkCtx, audio, dur)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if chunkCtx.Err() != nil {
		return errSkipRequested
	}
	return fmt.Errorf("play chunk %d: %w", c.ID, err)
}

// waitForChunk polls until the chunk is ready. A chunk parked in the
// error state means both synthesizers failed and the utterance cannot
// proceed.
func (e *Engine) waitForChunk(ctx context.Context, c *Chunk) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		e.mu.Lock()
		status, failed := c.Status, c.failed
		e.mu.Unlock()
		switch {
		case status == ChunkReady || status == ChunkComplete:
			return nil
		case failed:
			return fmt.Errorf("chunk %d: %w", c.ID, errChunkFailed)
		}
		e.storeState(StateBuffering, c.ID, len(e.chunksRef()), c.StartOffset)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// maybeLoad starts a load exactly once per chunk.
func (e *Engine) maybeLoad(ctx context.Context, c *Chunk, adapt emotion.Adaptation) {
	e.mu.Lock()
	pending := c.Status == ChunkPending
	if pending {
		c.Status = ChunkLoading
	}
	e.mu.Unlock()
	if pending {
		go e.load(ctx, c, adapt)
	}
}

// load synthesizes one chunk, falling back locally when the network
// path fails. The chunk passes through the error state between the
// primary failure and the fallback result.
func (e *Engine) load(ctx context.Context, c *Chunk, adapt emotion.Adaptation) {
	req := Request{
		Text:       c.Text,
		Language:   e.cfg.Language,
		VoiceStyle: e.cfg.VoiceStyle,
		Rate:       adapt.SpeechRate,
		Pitch:      adapt.Pitch,
		Quality:    e.window.synthesis(),
	}

	started := time.Now()
	data, err := e.primary.Synthesize(ctx, req)
	if err == nil {
		e.window.record(time.Since(started))
		e.finishLoad(c, data, false, time.Since(started))
		return
	}
	if ctx.Err() != nil {
		return // abandoned, not awaited
	}
	e.window.record(time.Since(started))
	e.setStatus(c, ChunkError)

	if e.fallback != nil {
		data, err = e.fallback.Synthesize(ctx, req)
		if err == nil && len(data) > 0 {
			e.finishLoad(c, data, true, time.Since(started))
			return
		}
	}
	e.mu.Lock()
	c.failed = true
	e.mu.Unlock()
}

func (e *Engine) finishLoad(c *Chunk, data []byte, usedFallback bool, loadTime time.Duration) {
	e.mu.Lock()
	c.Audio = data
	c.Fallback = usedFallback
	c.LoadTime = loadTime
	c.Status = ChunkReady
	snapshot := *c
	e.mu.Unlock()
	if e.OnChunk != nil {
		e.OnChunk(snapshot)
	}
}

// Pause suspends playback. No-op while idle.
func (e *Engine) Pause() {
	if e.State().State != StatePlaying {
		return
	}
	e.player.Pause()
	e.mutateState(func(s *StreamingState) { s.State = StatePaused })
}

// Resume continues paused playback.
func (e *Engine) Resume() {
	if e.State().State != StatePaused {
		return
	}
	e.player.Resume()
	e.mutateState(func(s *StreamingState) { s.State = StatePlaying })
}

// SkipForward jumps to the next chunk.
func (e *Engine) SkipForward() { e.skip(+1) }

// SkipBackward restarts from the previous chunk.
func (e *Engine) SkipBackward() { e.skip(-1) }

func (e *Engine) skip(delta int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active || e.cancelChunk == nil {
		return
	}
	current := e.state.Load().CurrentChunk
	target := current + delta
	if target < 0 {
		target = 0
	}
	e.skipTo = target
	e.cancelChunk()
}

// SetVolume applies immediately to the player and the snapshot.
func (e *Engine) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	e.mu.Lock()
	e.volume = v
	e.mu.Unlock()
	e.player.SetVolume(v)
	e.mutateState(func(s *StreamingState) { s.Volume = v })
}

// Stop interrupts playback, abandons in-flight loads, and clears all
// buffered state so the next Speak starts clean. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	e.stopping = true
	cancel := e.cancel
	done := e.done
	e.chunks = nil
	e.mu.Unlock()

	cancel()
	<-done
	e.window.reset()
	e.storeState(StateIdle, 0, 0, 0)
}

func (e *Engine) setStatus(c *Chunk, s ChunkStatus) {
	e.mu.Lock()
	c.Status = s
	snapshot := *c
	e.mu.Unlock()
	if e.OnChunk != nil {
		e.OnChunk(snapshot)
	}
}

func (e *Engine) chunksRef() []*Chunk {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chunks
}

func (e *Engine) storeState(state PlaybackState, current, total int, elapsed time.Duration) {
	e.mu.Lock()
	vol := e.volume
	e.mu.Unlock()
	e.state.Store(&StreamingState{
		State:        state,
		CurrentChunk: current,
		TotalChunks:  total,
		Volume:       vol,
		Network:      e.window.network(),
		Quality:      e.window.synthesis(),
		Elapsed:      elapsed,
	})
}

func (e *Engine) mutateState(mutate func(*StreamingState)) {
	next := *e.state.Load()
	mutate(&next)
	e.state.Store(&next)
}
