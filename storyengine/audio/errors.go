package audio

// OfflineMessage is the error string surfaced when the audio service
// is unreachable. The dashboard matches on it; keep it stable.
const OfflineMessage = "Audio service not connected"

// AudioOfflineError reports that the audio service is unreachable.
type AudioOfflineError struct{}

func (e *AudioOfflineError) Error() string { return OfflineMessage }

// NewAudioOfflineError creates an AudioOfflineError.
func NewAudioOfflineError() *AudioOfflineError {
	return &AudioOfflineError{}
}
