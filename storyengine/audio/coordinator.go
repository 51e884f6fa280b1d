// Package audio connects the platform to the multi-channel audio
// service. The Coordinator contract is implemented twice: a
// gorilla/websocket client for the live service and an offline stub
// for mock mode. The Responder serves orchestrator:audio:request
// events on top of whichever implementation is wired.
package audio

import "context"

// Audio channels.
const (
	ChannelNarration  = "narration"
	ChannelCommentary = "commentary"
	ChannelAmbient    = "ambient"
	ChannelMusic      = "music"
	ChannelSFX        = "sfx"
	ChannelEffects    = "effects"
)

// Channels lists every channel in dispatch order.
var Channels = []string{
	ChannelNarration,
	ChannelCommentary,
	ChannelAmbient,
	ChannelMusic,
	ChannelSFX,
	ChannelEffects,
}

// KnownChannel reports whether name is one of the audio channels.
func KnownChannel(name string) bool {
	for _, c := range Channels {
		if c == name {
			return true
		}
	}
	return false
}

// Control commands the service recognizes.
const (
	CommandRegisterSync = "register_sync"
	CommandPause        = "pause"
	CommandResume       = "resume"
	CommandClearQueue   = "clear_queue"
)

// Coordinator is the audio service surface the platform depends on.
type Coordinator interface {
	// UpdateChannel queues content on one channel.
	UpdateChannel(ctx context.Context, channel string, data any, metadata map[string]any) error
	// Control sends a control command, optionally scoped to a channel.
	Control(ctx context.Context, command, channel string, params map[string]any) error
	// RegisterSync announces a synchronization group across channels.
	RegisterSync(ctx context.Context, syncID string, channels []string, metadata map[string]any) error
	// Connected reports whether the service is reachable.
	Connected() bool
}

// OfflineCoordinator is the stub wired when no audio service exists.
// Every send fails with AudioOfflineError; the responder turns that
// into offline results or warnings depending on stage optionality.
type OfflineCoordinator struct{}

// UpdateChannel always reports the service offline.
func (OfflineCoordinator) UpdateChannel(context.Context, string, any, map[string]any) error {
	return NewAudioOfflineError()
}

// Control always reports the service offline.
func (OfflineCoordinator) Control(context.Context, string, string, map[string]any) error {
	return NewAudioOfflineError()
}

// RegisterSync always reports the service offline.
func (OfflineCoordinator) RegisterSync(context.Context, string, []string, map[string]any) error {
	return NewAudioOfflineError()
}

// Connected is always false.
func (OfflineCoordinator) Connected() bool { return false }

var _ Coordinator = OfflineCoordinator{}
