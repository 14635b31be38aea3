// Package planner asks a language model for the single next action that
// moves the desktop toward the goal.
package planner

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/G-TechSD/ganesha-ai-sub002/internal/agent"
	"github.com/G-TechSD/ganesha-ai-sub002/internal/config"
	"github.com/G-TechSD/ganesha-ai-sub002/internal/logging"
	"github.com/G-TechSD/ganesha-ai-sub002/internal/perception"
)

const systemPrompt = `You are a GUI automation planner. Given a goal, screenshot, and screen state, output the SINGLE next action to take.

SYSTEM CONTEXT:
- OS: Ubuntu 24.04 with GNOME desktop
- Screen: 1920x1080 actual, captured as 1280x720 (coordinates in 1280x720 space)
- Left dock occupies x=0-50. Main content starts at x~55.

KEYBOARD-FIRST STRATEGY (strongly prefer over mouse clicks):
- Web browser: Ctrl+L (address bar), Ctrl+F (find text), Tab (next element), Enter (activate), Ctrl+T (new tab)
- To click a link by name: Ctrl+F to find it, Escape to close find, Enter to follow
- To navigate to URL: Ctrl+L, type URL, Enter
- GNOME desktop: Super (activities), Alt+Tab (switch windows), Alt+F4 (close)
- File manager: Ctrl+L (path bar), Type path, Enter
- General: Ctrl+S (save), Ctrl+Z (undo), Ctrl+C/V (copy/paste)

ONLY use mouse clicks when keyboard navigation is impossible (e.g., clicking specific UI buttons, dock icons, or non-text elements).

Respond ONLY with valid JSON matching this schema:
{
  "intent": "what this action accomplishes",
  "action_type": "click|double_click|right_click|type|key_press|scroll|wait|hover|drag",
  "target": {"description": "element description", "x": 0, "y": 0},
  "text": "text to type if action_type is type",
  "keys": "key combo if action_type is key_press (e.g., 'ctrl+s')",
  "confidence": 0.9,
  "expected_result": "what should happen after this action"
}

If the goal appears achieved, respond with: {"done": true, "reason": "why goal is complete"}
If stuck with no viable action, respond with: {"stuck": true, "reason": "why we can't proceed"}

Rules:
- ONE action at a time
- ALWAYS prefer keyboard shortcuts and navigation over mouse clicks
- For mouse clicks: coordinates are in 1280x720 space. Safe area: x=55-1250, y=30-690
- Use 'wait' if expecting loading/transition`

// Client plans actions through an OpenAI-compatible chat endpoint.
type Client struct {
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
	log        *logging.Logger
}

var _ agent.Planner = (*Client)(nil)

// NewClient builds a planner client from the planner configuration.
func NewClient(cfg config.PlannerConfig) *Client {
	return &Client{
		endpoint:   cfg.Endpoint,
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: config.Duration(cfg.Timeout, 60*time.Second)},
		log:        logging.Get(logging.CategoryPlanner),
	}
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

// plannerReply is the schema the model is asked to follow.
type plannerReply struct {
	Done   bool   `json:"done"`
	Stuck  bool   `json:"stuck"`
	Reason string `json:"reason"`

	Intent     string `json:"intent"`
	ActionType string `json:"action_type"`
	Target     *struct {
		Description string `json:"description"`
		X           *int   `json:"x"`
		Y           *int   `json:"y"`
	} `json:"target"`
	Text           string   `json:"text"`
	Keys           string   `json:"keys"`
	Confidence     *float32 `json:"confidence"`
	ExpectedResult string   `json:"expected_result"`
}

// NextAction asks the model for the next step. A nil action with nil
// error means the model declared the goal done or itself stuck.
func (c *Client) NextAction(ctx context.Context, req agent.PlanRequest) (*agent.PlannedAction, error) {
	timer := logging.StartTimer(logging.CategoryPlanner, "plan")
	defer timer.StopWithThreshold(10 * time.Second)

	userContent := buildUserContent(req)

	var content interface{} = userContent
	if req.Frame != nil && len(req.Frame.Data) > 0 {
		dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(req.Frame.Data)
		content = []contentPart{
			{Type: "text", Text: userContent},
			{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
		}
	}

	reply, err := c.complete(ctx, chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: content},
		},
		Temperature: 0.2,
		MaxTokens:   2000,
	})
	if err != nil {
		return nil, err
	}
	return ParseAction(reply, c.log)
}

// buildUserContent assembles the goal, screen state, recent history, and
// memory context into the user message.
func buildUserContent(req agent.PlanRequest) string {
	historySummary := "No actions taken yet."
	if len(req.History) > 0 {
		lines := make([]string, 0, len(req.History))
		for i := len(req.History) - 1; i >= 0; i-- {
			h := req.History[i]
			verdict := "OK"
			if !h.Success {
				verdict = "FAILED"
			}
			lines = append(lines, fmt.Sprintf("- %s (%s): %s", h.Action.Intent, verdict, h.Action.ExpectedResult))
		}
		historySummary = strings.Join(lines, "\n")
	}

	contextSection := ""
	if req.MemoryContext != "" {
		contextSection = "\n" + req.MemoryContext
	}

	summary := ""
	if req.Analysis != nil {
		summary = req.Analysis.Summary()
	}

	return fmt.Sprintf(`GOAL: %s

SUCCESS CRITERIA:
- %s

CURRENT SCREEN STATE:
%s

RECENT ACTIONS:
%s
%s
What is the SINGLE next action to achieve the goal?`,
		req.Goal.Objective,
		strings.Join(req.Goal.SuccessCriteria, "\n- "),
		summary,
		historySummary,
		contextSection,
	)
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
		return "", fmt.Errorf("planner request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("planner API error %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode planner response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("planner response had no choices")
	}
	content := parsed.Choices[0].Message.Content
	if content == "" {
		// Reasoning models put output in reasoning_content
		content = parsed.Choices[0].Message.ReasoningContent
	}
	return content, nil
}

// ParseAction decodes a model reply into a planned action. Done and
// stuck replies return a nil action. Unknown action types fall back to
// click; missing coordinates default to screen center in capture space.
func ParseAction(content string, log *logging.Logger) (*agent.PlannedAction, error) {
	raw, err := perception.ExtractJSON(content)
	if err != nil {
		return nil, err
	}

	var reply plannerReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, fmt.Errorf("failed to parse planner reply: %w", err)
	}

	if reply.Done || reply.Stuck {
		if log != nil {
			log.Info("planner finished: done=%t stuck=%t reason=%q", reply.Done, reply.Stuck, reply.Reason)
		}
		return nil, nil
	}

	kind := actionKind(reply.ActionType)

	action := &agent.PlannedAction{
		Intent:         reply.Intent,
		Kind:           kind,
		Text:           reply.Text,
		Keys:           reply.Keys,
		Confidence:     0.5,
		ExpectedResult: reply.ExpectedResult,
	}
	if reply.Confidence != nil {
		action.Confidence = *reply.Confidence
	}
	if reply.Target != nil {
		t := &agent.Target{Description: reply.Target.Description, X: 640, Y: 360, Confidence: 0.5}
		if reply.Target.X != nil {
			t.X = *reply.Target.X
		}
		if reply.Target.Y != nil {
			t.Y = *reply.Target.Y
		}
		action.Target = t
	}
	return action, nil
}

func actionKind(s string) agent.ActionKind {
	switch agent.ActionKind(s) {
	case agent.ActionClick, agent.ActionDoubleClick, agent.ActionRightClick,
		agent.ActionType, agent.ActionKeyPress, agent.ActionScroll,
		agent.ActionWait, agent.ActionHover, agent.ActionDrag:
		return agent.ActionKind(s)
	}
	return agent.ActionClick
}
