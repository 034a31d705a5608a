package repositories

import "context"

// SpeechChunk is one synthesized payload. A chunk with Err set is the last
// one sent and means synthesis stopped before the text was fully spoken.
type SpeechChunk struct {
	Audio []byte
	Err   error
}

// TextToSpeech synthesizes text into a stream of raw audio payloads. The
// channel is closed when synthesis ends or ctx is cancelled.
type TextToSpeech interface {
	ConvertTextToSpeech(ctx context.Context, text string) (<-chan SpeechChunk, error)
}
