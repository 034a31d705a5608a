package stt

import (
	"context"
	"fmt"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"

	"github.com/satriahrh/pitchline/domain/repositories"
)

const defaultLanguage = "en-US"

type recognizeFunc func(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error)

// GoogleSpeechToText implements SpeechToText with one synchronous
// Recognize call per utterance.
type GoogleSpeechToText struct {
	client    *speech.Client
	recognize recognizeFunc
	logger    *zap.Logger
}

var _ repositories.SpeechToText = (*GoogleSpeechToText)(nil)

// NewGoogleSpeechToText creates a client from application default credentials.
func NewGoogleSpeechToText(ctx context.Context, logger *zap.Logger) (*GoogleSpeechToText, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}

	g := &GoogleSpeechToText{client: client, logger: logger}
	g.recognize = func(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
		return client.Recognize(ctx, req)
	}
	return g, nil
}

// TranscribeAudio converts one recorded utterance to text.
func (g *GoogleSpeechToText) TranscribeAudio(ctx context.Context, audioData []byte, config repositories.AudioConfig) (string, error) {
	if len(audioData) == 0 {
		return "", fmt.Errorf("no audio data received")
	}

	req, err := recognizeRequest(audioData, config)
	if err != nil {
		return "", err
	}

	resp, err := g.recognize(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to recognize speech: %w", err)
	}

	text := joinTranscripts(resp)
	if text == "" {
		return "", fmt.Errorf("no speech detected in audio")
	}

	g.logger.Debug("Transcribed utterance",
		zap.Int("audioBytes", len(audioData)),
		zap.Int("textLength", len(text)))
	return text, nil
}

// Close releases the gRPC connection.
func (g *GoogleSpeechToText) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

func recognizeRequest(audioData []byte, config repositories.AudioConfig) (*speechpb.RecognizeRequest, error) {
	encoding, err := getAudioEncoding(config.Encoding)
	if err != nil {
		return nil, err
	}

	language := config.Language
	if language == "" {
		language = defaultLanguage
	}

	return &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   encoding,
			SampleRateHertz:            int32(config.SampleRate),
			LanguageCode:               language,
			EnableAutomaticPunctuation: true,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audioData},
		},
	}, nil
}

// joinTranscripts concatenates the best alternative of each result.
func joinTranscripts(resp *speechpb.RecognizeResponse) string {
	var parts []string
	for _, result := range resp.GetResults() {
		alternatives := result.GetAlternatives()
		if len(alternatives) == 0 {
			continue
		}
		if text := strings.TrimSpace(alternatives[0].GetTranscript()); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// getAudioEncoding converts string encoding to Google Speech API enum
func getAudioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch strings.ToUpper(encoding) {
	case "", "PCM16", "WAV", "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}
