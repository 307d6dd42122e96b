package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// BotAgent produces content for bot turns and for the AI drawing assist.
// The Propose methods never fail; when the generation service is down,
// rate-limited, or returns nothing, they substitute canned content so a
// round can always complete. AssistDrawing surfaces failures so the
// requester gets a structured ai_drawing_result instead.
type BotAgent interface {
	ProposePrompt(ctx context.Context) string
	ProposeDrawing(ctx context.Context, promptOrGuess string) string
	ProposeGuess(ctx context.Context, drawingDataURL string) string
	AssistDrawing(ctx context.Context, drawingDataURL, description string) (string, error)
}

var fallbackPrompts = []string{
	"a robot cooking noodles",
	"a paper plane in the rain",
	"a grandma driving a race car",
	"a very large refrigerator",
	"a broken television",
	"an octopus playing the drums",
	"a snowman at the beach",
	"a cat giving a presentation",
}

var fallbackGuesses = []string{
	"a sleeping cat",
	"a forest",
	"some kind of vehicle",
	"a person waving",
	"a house on a hill",
	"abstract art, probably",
}

// fallbackDrawing is a 1x1 transparent PNG, used when the generation
// service cannot produce an image for a bot's drawing turn.
const fallbackDrawing = "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="

// dataURLBytes decodes a data URL into raw bytes and its MIME type. The
// generation boundary runs it on drawings in both directions: client
// payloads are checked before a call is spent on them, and service
// images are checked before they reach a book or a canvas.
func dataURLBytes(dataURL string) ([]byte, string, error) {
	header, encoded, found := strings.Cut(dataURL, ",")
	if !found {
		return nil, "", fmt.Errorf("invalid data url")
	}

	mimeType, _, _ := strings.Cut(strings.TrimPrefix(header, "data:"), ";")
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, "", fmt.Errorf("invalid data url media type: %q", mimeType)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", fmt.Errorf("invalid data url encoding: %w", err)
	}

	return data, mimeType, nil
}

// generationRequest is the wire format of the external generation service.
type generationRequest struct {
	Task  string `json:"task"` // "prompt", "drawing", "guess", or "assist"
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"` // data URL
}

type generationResponse struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"` // data URL
}

// generationAgent is the BotAgent backed by the external generation
// service. A zero base URL disables the service entirely, leaving only
// the canned fallbacks.
type generationAgent struct {
	cfg     *Config
	client  *http.Client
	limiter *rate.Limiter
}

func newGenerationAgent(cfg *Config) *generationAgent {
	return &generationAgent{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.generationTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.generationRate), 1),
	}
}

// call posts one generation request. Callers that run inside a room's
// exclusive section depend on this returning promptly, so the limiter is
// consulted with Allow rather than Wait: a denied reservation is treated
// the same as an unreachable service.
func (a *generationAgent) call(ctx context.Context, req generationRequest) (generationResponse, error) {
	if a.cfg.generationURL == "" {
		return generationResponse{}, errGenerationFailed
	}

	if !a.limiter.Allow() {
		generationFallbacks.Inc()
		return generationResponse{}, fmt.Errorf("%w: rate limited", errGenerationFailed)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return generationResponse{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.generationTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.generationURL, bytes.NewReader(body))
	if err != nil {
		return generationResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.cfg.generationToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.cfg.generationToken)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		generationFallbacks.Inc()
		return generationResponse{}, fmt.Errorf("%w: %v", errGenerationFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		generationFallbacks.Inc()
		return generationResponse{}, fmt.Errorf("%w: status %d", errGenerationFailed, resp.StatusCode)
	}

	var out generationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		generationFallbacks.Inc()
		return generationResponse{}, fmt.Errorf("%w: %v", errGenerationFailed, err)
	}

	return out, nil
}

func (a *generationAgent) ProposePrompt(ctx context.Context) string {
	resp, err := a.call(ctx, generationRequest{Task: "prompt"})
	if err != nil || strings.TrimSpace(resp.Text) == "" {
		return fallbackPrompts[rand.Intn(len(fallbackPrompts))]
	}
	return strings.TrimSpace(resp.Text)
}

func (a *generationAgent) ProposeDrawing(ctx context.Context, promptOrGuess string) string {
	resp, err := a.call(ctx, generationRequest{Task: "drawing", Text: promptOrGuess})
	if err != nil {
		return fallbackDrawing
	}
	if _, _, err := dataURLBytes(resp.Image); err != nil {
		return fallbackDrawing
	}
	return resp.Image
}

func (a *generationAgent) ProposeGuess(ctx context.Context, drawingDataURL string) string {
	if _, _, err := dataURLBytes(drawingDataURL); err != nil {
		return fallbackGuesses[rand.Intn(len(fallbackGuesses))]
	}

	resp, err := a.call(ctx, generationRequest{Task: "guess", Image: drawingDataURL})
	if err != nil || strings.TrimSpace(resp.Text) == "" {
		return fallbackGuesses[rand.Intn(len(fallbackGuesses))]
	}
	return strings.TrimSpace(resp.Text)
}

func (a *generationAgent) AssistDrawing(ctx context.Context, drawingDataURL, description string) (string, error) {
	if _, _, err := dataURLBytes(drawingDataURL); err != nil {
		return "", fmt.Errorf("%w: %v", errGenerationFailed, err)
	}

	resp, err := a.call(ctx, generationRequest{Task: "assist", Text: description, Image: drawingDataURL})
	if err != nil {
		return "", err
	}
	if _, _, err := dataURLBytes(resp.Image); err != nil {
		return "", fmt.Errorf("%w: invalid image payload", errGenerationFailed)
	}
	return resp.Image, nil
}

// botName generates a display name for a freshly added bot.
func botName(n int) string {
	return fmt.Sprintf("Bot %d", n)
}

var _ BotAgent = (*generationAgent)(nil)

// waitCtx bounds inline bot resolution so a slow generation service
// cannot hold a room's run loop longer than one call timeout.
func waitCtx(cfg *Config) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), cfg.generationTimeout+time.Second)
}
