package voice

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/spiralogic/oracle/internal/config"
	"github.com/spiralogic/oracle/internal/fallback"
	"github.com/spiralogic/oracle/internal/httpkit"
	"github.com/spiralogic/oracle/internal/llm"
)

// maxAudioBytes caps a provider response.
const maxAudioBytes = 32 << 20

// ErrEmptyAudio is returned by a provider that answered with no audio.
var ErrEmptyAudio = errors.New("provider returned no audio")

// speechAPI is the part of the OpenAI SDK used here.
type speechAPI interface {
	New(ctx context.Context, body openai.AudioSpeechNewParams, opts ...option.RequestOption) (*http.Response, error)
}

// OpenAISpeech synthesizes through the OpenAI audio speech endpoint.
type OpenAISpeech struct {
	name   string
	model  string
	voice  string
	speech speechAPI
	logger *slog.Logger
}

// NewOpenAISpeech creates an OpenAI speech provider. baseURL may point
// at any OpenAI-compatible server.
func NewOpenAISpeech(name, apiKey, baseURL, model, voice string, logger *slog.Logger) *OpenAISpeech {
	if logger == nil {
		logger = slog.Default()
	}
	if model == "" {
		model = "tts-1"
	}
	if voice == "" {
		voice = "nova"
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(0))),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAISpeech{
		name:   name,
		model:  model,
		voice:  voice,
		speech: &client.Audio.Speech,
		logger: logger.With("provider", name),
	}
}

// Name implements Provider.
func (p *OpenAISpeech) Name() string { return p.name }

// Attempt implements Provider.
func (p *OpenAISpeech) Attempt(ctx context.Context, req Request) (Audio, error) {
	voice := req.Voice
	if voice == "" {
		voice = p.voice
	}
	params := openai.AudioSpeechNewParams{
		Model:          openai.SpeechModel(p.model),
		Input:          req.Text,
		Voice:          openai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormat(req.Format),
	}
	if req.Speed > 0 {
		params.Speed = openai.Float(req.Speed)
	}

	resp, err := p.speech.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			se := &llm.StatusError{Provider: p.name, Code: apiErr.StatusCode, Body: apiErr.Message}
			if !se.Retryable() {
				return Audio{}, fallback.Permanent(se)
			}
			return Audio{}, se
		}
		return Audio{}, fmt.Errorf("%s speech: %w", p.name, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return Audio{}, fmt.Errorf("%s speech: read audio: %w", p.name, err)
	}
	if len(data) == 0 {
		return Audio{}, ErrEmptyAudio
	}
	p.logger.Log(ctx, llm.LevelTrace, "speech synthesized", "bytes", len(data), "voice", voice)
	return Audio{Data: data, Format: req.Format}, nil
}

// HTTPSpeech talks to a self-hosted speech server exposing an
// OpenAI-style /v1/audio/speech endpoint with a JSON body.
type HTTPSpeech struct {
	name    string
	baseURL string
	model   string
	voice   string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPSpeech creates a provider for the server at baseURL.
func NewHTTPSpeech(name, baseURL, model, voice string, logger *slog.Logger) *HTTPSpeech {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSpeech{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		voice:   voice,
		client:  httpkit.NewClient(httpkit.WithTimeout(0)),
		logger:  logger.With("provider", name),
	}
}

type httpSpeechRequest struct {
	Model          string  `json:"model,omitempty"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice,omitempty"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
}

// Name implements Provider.
func (p *HTTPSpeech) Name() string { return p.name }

// Attempt implements Provider.
func (p *HTTPSpeech) Attempt(ctx context.Context, req Request) (Audio, error) {
	voice := req.Voice
	if voice == "" {
		voice = p.voice
	}
	body, err := json.Marshal(httpSpeechRequest{
		Model:          p.model,
		Input:          req.Text,
		Voice:          voice,
		ResponseFormat: req.Format,
		Speed:          req.Speed,
	})
	if err != nil {
		return Audio{}, fallback.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return Audio{}, fallback.Permanent(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Audio{}, fmt.Errorf("%s speech: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		se := &llm.StatusError{Provider: p.name, Code: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 512)}
		if !se.Retryable() {
			return Audio{}, fallback.Permanent(se)
		}
		return Audio{}, se
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return Audio{}, fmt.Errorf("%s speech: read audio: %w", p.name, err)
	}
	if len(data) == 0 {
		return Audio{}, ErrEmptyAudio
	}
	return Audio{Data: data, Format: req.Format}, nil
}

// Silence renders a silent mono WAV roughly as long as the text would
// take to say. It is the offline default for development.
type Silence struct {
	name string
	// PerRune is the duration allotted to each character (default 60ms).
	PerRune time.Duration
	// Max caps the clip length (default 5s).
	Max time.Duration
}

// NewSilence creates a silence provider.
func NewSilence(name string) *Silence {
	return &Silence{name: name, PerRune: 60 * time.Millisecond, Max: 5 * time.Second}
}

// Name implements Provider.
func (s *Silence) Name() string { return s.name }

// Attempt implements Provider. The output is always WAV whatever
// format was requested.
func (s *Silence) Attempt(ctx context.Context, req Request) (Audio, error) {
	if err := ctx.Err(); err != nil {
		return Audio{}, err
	}
	d := time.Duration(utf8.RuneCountInString(req.Text)) * s.PerRune
	if d > s.Max {
		d = s.Max
	}
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return Audio{Data: silentWAV(d), Format: "wav"}, nil
}

// silentWAV builds a 16 kHz, 16-bit mono PCM WAV of duration d.
func silentWAV(d time.Duration) []byte {
	const (
		sampleRate    = 16000
		channels      = 1
		bitsPerSample = 16
		blockAlign    = channels * bitsPerSample / 8
	)
	dataSize := int(d*sampleRate/time.Second) * blockAlign

	le := binary.LittleEndian
	b := make([]byte, 0, 44+dataSize)
	b = append(b, "RIFF"...)
	b = le.AppendUint32(b, uint32(36+dataSize))
	b = append(b, "WAVEfmt "...)
	b = le.AppendUint32(b, 16)
	b = le.AppendUint16(b, 1) // PCM
	b = le.AppendUint16(b, channels)
	b = le.AppendUint32(b, sampleRate)
	b = le.AppendUint32(b, sampleRate*blockAlign)
	b = le.AppendUint16(b, blockAlign)
	b = le.AppendUint16(b, bitsPerSample)
	b = append(b, "data"...)
	b = le.AppendUint32(b, uint32(dataSize))
	return append(b, make([]byte, dataSize)...)
}

// RetryPolicy derives the per-provider retry policy from config.
func RetryPolicy(cfg config.VoiceConfig) fallback.RetryPolicy {
	return fallback.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.RetryDelay,
		PerTry:      cfg.AttemptTimeout,
	}
}

// BuildProviders creates the configured speech chain, each network
// provider wrapped with the retry policy.
func BuildProviders(cfg config.VoiceConfig, logger *slog.Logger) ([]Provider, error) {
	policy := RetryPolicy(cfg)
	providers := make([]Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		var p Provider
		switch pc.Kind {
		case "openai_speech":
			p = fallback.Retry[Request, Audio](NewOpenAISpeech(pc.Name, pc.APIKey, pc.BaseURL, pc.Model, pc.Voice, logger), policy)
		case "http_speech":
			if pc.BaseURL == "" {
				return nil, fmt.Errorf("provider %s: base_url is required", pc.Name)
			}
			p = fallback.Retry[Request, Audio](NewHTTPSpeech(pc.Name, pc.BaseURL, pc.Model, pc.Voice, logger), policy)
		case "silence":
			p = NewSilence(pc.Name)
		default:
			return nil, fmt.Errorf("provider %s: unknown kind %q", pc.Name, pc.Kind)
		}
		providers = append(providers, p)
	}
	return providers, nil
}

// FromConfig builds and starts a queue from the voice section.
func FromConfig(cfg config.VoiceConfig, store TurnTransitioner, hub Publisher, logger *slog.Logger) (*Queue, error) {
	providers, err := BuildProviders(cfg, logger)
	if err != nil {
		return nil, err
	}
	cache, err := NewCache(cfg.AudioDir)
	if err != nil {
		return nil, err
	}
	return NewQueue(providers, store, hub,
		WithWorkers(cfg.Workers),
		WithQueueSize(cfg.QueueSize),
		WithAttemptTimeout(RetryPolicy(cfg).Budget()),
		WithFormat(cfg.Format),
		WithSpeed(cfg.Speed),
		WithCache(cache),
		WithLogger(logger),
	), nil
}
