package event

import (
	"log/slog"

	"github.com/kiosklabs/voice-gateway/internal/metrics"
)

// Hooks are the per-variant handlers a Dispatcher routes into. Nil hooks are
// skipped; the event is still counted.
type Hooks struct {
	OnConnected       func(SessionCreated)
	OnConfigured      func(SessionUpdated)
	OnAudioDelta      func(AudioDelta)
	OnTranscriptDelta func(TranscriptDelta)
	OnSpeechStarted   func(SpeechStarted)
	OnSpeechStopped   func(SpeechStopped)
	OnItemCreated     func(ItemCreated)
	OnError           func(UpstreamError)
}

// Dispatcher decodes inbound upstream payloads and routes each variant to
// its handler. Malformed payloads are dropped and logged; unrecognized types
// are logged and ignored. Neither is fatal.
type Dispatcher struct {
	hooks Hooks
}

// NewDispatcher creates a dispatcher with the given handlers.
func NewDispatcher(hooks Hooks) *Dispatcher {
	return &Dispatcher{hooks: hooks}
}

// Dispatch validates, decodes, and routes one inbound payload.
func (d *Dispatcher) Dispatch(raw []byte) {
	ev, err := Decode(raw)
	if err != nil {
		metrics.UpstreamMalformed.Inc()
		slog.Warn("malformed upstream payload dropped", "error", err)
		return
	}

	metrics.UpstreamEvents.WithLabelValues(Type(ev)).Inc()

	switch e := ev.(type) {
	case SessionCreated:
		if d.hooks.OnConnected != nil {
			d.hooks.OnConnected(e)
		}
	case SessionUpdated:
		if d.hooks.OnConfigured != nil {
			d.hooks.OnConfigured(e)
		}
	case AudioDelta:
		if d.hooks.OnAudioDelta != nil {
			d.hooks.OnAudioDelta(e)
		}
	case TranscriptDelta:
		if d.hooks.OnTranscriptDelta != nil {
			d.hooks.OnTranscriptDelta(e)
		}
	case SpeechStarted:
		if d.hooks.OnSpeechStarted != nil {
			d.hooks.OnSpeechStarted(e)
		}
	case SpeechStopped:
		if d.hooks.OnSpeechStopped != nil {
			d.hooks.OnSpeechStopped(e)
		}
	case ItemCreated:
		if d.hooks.OnItemCreated != nil {
			d.hooks.OnItemCreated(e)
		}
	case UpstreamError:
		if d.hooks.OnError != nil {
			d.hooks.OnError(e)
		}
	case Unknown:
		slog.Info("unrecognized upstream event ignored", "type", e.Type)
	}
}
