package perception

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/G-TechSD/ganesha-ai-sub002/internal/config"
	"github.com/G-TechSD/ganesha-ai-sub002/internal/logging"
)

const analysisSystemPrompt = `OUTPUT ONLY RAW JSON. NO MARKDOWN. NO EXPLANATION. NO CODE BLOCKS.

Schema:
{"app":"name","title":"window title","elements":[{"type":"button","label":"text","position":"center","interactive":true}],"dialogs":[],"text":["visible text"],"state":"ready","confidence":0.9}

CRITICAL: Your entire response must be a single JSON object starting with { and ending with }. Nothing else.`

// Client captures the screen with an external command and analyzes frames
// through an OpenAI-compatible vision endpoint.
type Client struct {
	endpoint       string
	model          string
	apiKey         string
	captureCommand string
	captureDir     string
	httpClient     *http.Client
	log            *logging.Logger
}

var _ Adapter = (*Client)(nil)

// NewClient builds a perception client from the vision configuration.
// Frames are written under captureDir before analysis.
func NewClient(cfg config.VisionConfig, captureDir string) *Client {
	return &Client{
		endpoint:       cfg.Endpoint,
		model:          cfg.Model,
		apiKey:         cfg.APIKey,
		captureCommand: cfg.CaptureCommand,
		captureDir:     captureDir,
		httpClient:     &http.Client{Timeout: config.Duration(cfg.Timeout, 60*time.Second)},
		log:            logging.Get(logging.CategoryPerception),
	}
}

// Capture shells out to the configured screenshot command and loads the
// resulting frame. The frame is tagged with the requested capture
// resolution, which is the coordinate space the vision and planner models
// are instructed to use.
func (c *Client) Capture(ctx context.Context, width, height int) (*Frame, error) {
	if err := os.MkdirAll(c.captureDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create capture directory: %w", err)
	}
	path := filepath.Join(c.captureDir, "frame.jpg")

	parts := strings.Fields(c.captureCommand)
	if len(parts) == 0 {
		return nil, fmt.Errorf("no capture command configured")
	}
	args := append(parts[1:], path)
	cmd := exec.CommandContext(ctx, parts[0], args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("capture command failed: %w (%s)", err, strings.TrimSpace(string(out)))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read captured frame: %w", err)
	}

	c.log.Debug("captured frame: %d bytes at %dx%d", len(data), width, height)
	return &Frame{Data: data, Width: width, Height: height, Path: path}, nil
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"message"`
	} `json:"choices"`
}

// Analyze sends the frame to the vision model and parses its JSON reply.
func (c *Client) Analyze(ctx context.Context, frame *Frame) (*Analysis, error) {
	timer := logging.StartTimer(logging.CategoryPerception, "analyze")
	defer timer.StopWithThreshold(10 * time.Second)

	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(frame.Data)
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: analysisSystemPrompt},
			{Role: "user", Content: []contentPart{
				{Type: "text", Text: "Analyze this screen. Return JSON only."},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
			}},
		},
		Temperature: 0.1,
		MaxTokens:   2000,
	}

	content, err := c.complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return ParseAnalysis(content)
}

func (c *Client) complete(ctx context.Context, req chatRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("vision request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("vision API error %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode vision response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("vision response had no choices")
	}
	content := parsed.Choices[0].Message.Content
	if content == "" {
		// Reasoning models put output in reasoning_content
		content = parsed.Choices[0].Message.ReasoningContent
	}
	return content, nil
}

// ParseAnalysis extracts the JSON object from a model reply and decodes it.
// Models occasionally wrap the object in prose or code fences.
func ParseAnalysis(content string) (*Analysis, error) {
	raw, err := ExtractJSON(content)
	if err != nil {
		return nil, err
	}
	var a Analysis
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("failed to parse screen analysis: %w", err)
	}
	if a.State == "" {
		a.State = StateUnknown
	}
	return &a, nil
}

// ExtractJSON returns the outermost {...} span of a model reply.
func ExtractJSON(content string) (string, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "{") && strings.HasSuffix(content, "}") {
		return content, nil
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return "", fmt.Errorf("no JSON object found in response")
	}
	return content[start : end+1], nil
}
