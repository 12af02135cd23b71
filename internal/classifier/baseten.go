// Package classifier is the client for the remote costume vision model.
package classifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	plog "porchwatch/internal/log"
	"porchwatch/internal/pipeline"
)

var (
	// ErrNoLabel is returned when the model answered without a classification
	ErrNoLabel = errors.New("classifier returned no label")
	// ErrMalformed is returned when the model output is not the expected JSON
	ErrMalformed = errors.New("malformed classifier response")
)

// DefaultPrompt asks the model for a single JSON verdict
const DefaultPrompt = "Analyze this Halloween costume and respond with ONLY a JSON object in this exact format:\n" +
	`{"classification": "costume_type", "confidence": 0.95, "description": "costume label"}` + "\n\n" +
	"Preferred categories:\n" +
	"- witch, vampire, zombie, skeleton, ghost\n" +
	"- superhero, princess, pirate, ninja, clown, monster\n" +
	"- character (for recognizable characters like Spiderman, Elsa, Mickey Mouse)\n" +
	"- animal (for animal costumes like tiger, cat, dinosaur)\n" +
	"- person (if no costume visible)\n" +
	"- other (if costume doesn't fit above categories)\n\n" +
	"Rules:\n" +
	"- classification: use one of the preferred categories above, or be specific (e.g. 'Spiderman', 'tiger')\n" +
	"- confidence: your confidence score between 0.0 and 1.0\n" +
	"- description: a short description of the costume itself (e.g. 'A witch with a pointed hat'). " +
	"If no costume is visible, use 'No costume'.\n" +
	"- Output ONLY the JSON object, nothing else"

// Config configures the Baseten client
type Config struct {
	ModelURL    string
	APIKey      string
	Model       string
	Prompt      string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration // Per-request ceiling, callers may set a tighter ctx deadline
}

// BasetenClient calls an OpenAI-compatible chat completions endpoint with an
// image attached and parses the costume verdict out of the reply
type BasetenClient struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

// NewBasetenClient creates a classifier client
func NewBasetenClient(config Config) (*BasetenClient, error) {
	if config.ModelURL == "" {
		return nil, errors.New("classifier model URL is required")
	}
	if config.APIKey == "" {
		return nil, errors.New("classifier API key is required")
	}
	if config.Model == "" {
		config.Model = "gemma"
	}
	if config.Prompt == "" {
		config.Prompt = DefaultPrompt
	}
	if config.Temperature == 0 {
		config.Temperature = 0.5
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 512
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}

	return &BasetenClient{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: plog.Component("classifier"),
	}, nil
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Stream      bool          `json:"stream"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type verdict struct {
	Classification string   `json:"classification"`
	Confidence     *float64 `json:"confidence"`
	Description    string   `json:"description"`
}

// Classify sends a JPEG crop to the model and returns its costume verdict
func (c *BasetenClient) Classify(ctx context.Context, jpeg []byte) (*pipeline.Costume, error) {
	if len(jpeg) == 0 {
		return nil, errors.New("empty image")
	}

	start := time.Now()
	dataURI := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg)
	content, err := c.complete(ctx, chatRequest{
		Model:  c.config.Model,
		Stream: false,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: c.config.Prompt},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURI}},
			},
		}},
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
	})
	if err != nil {
		return nil, err
	}

	costume, err := ParseVerdict(content)
	if err != nil {
		c.logger.Warn("unparseable classifier reply", "error", err, "content", truncate(content, 200))
		return nil, err
	}

	c.logger.Debug("classified crop",
		"label", costume.Label,
		"confidence", costume.Confidence,
		"duration", time.Since(start).Round(time.Millisecond))
	return costume, nil
}

// Ping sends a text-only request to check the model is reachable
func (c *BasetenClient) Ping(ctx context.Context) error {
	_, err := c.complete(ctx, chatRequest{
		Model: c.config.Model,
		Messages: []chatMessage{{
			Role:    "user",
			Content: []contentPart{{Type: "text", Text: "Hello"}},
		}},
		MaxTokens: 10,
	})
	return err
}

// complete posts a chat request and returns the first choice's content
func (c *BasetenClient) complete(ctx context.Context, body chatRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.ModelURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Api-Key "+c.config.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("classifier returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrMalformed)
	}
	return result.Choices[0].Message.Content, nil
}

// ParseVerdict extracts the JSON verdict from a model reply, tolerating
// markdown fences and trailing turn markers
func ParseVerdict(content string) (*pipeline.Costume, error) {
	cleaned := CleanReply(content)
	if cleaned == "" {
		return nil, ErrNoLabel
	}

	var v verdict
	if err := json.Unmarshal([]byte(cleaned), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	label := strings.TrimSpace(v.Classification)
	if label == "" {
		return nil, ErrNoLabel
	}

	costume := &pipeline.Costume{
		Label:       label,
		Description: strings.TrimSpace(v.Description),
	}
	if v.Confidence != nil {
		conf := *v.Confidence
		if conf < 0 {
			conf = 0
		} else if conf > 1 {
			conf = 1
		}
		costume.Confidence = float32(conf)
	}
	return costume, nil
}

// CleanReply strips code fences and model artifacts around a JSON payload
func CleanReply(content string) string {
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	for _, delim := range []string{"```", "<end_of_turn>"} {
		if i := strings.Index(s, delim); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ pipeline.Classifier = (*BasetenClient)(nil)
