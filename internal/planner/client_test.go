package planner

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-TechSD/ganesha-ai-sub002/internal/agent"
	"github.com/G-TechSD/ganesha-ai-sub002/internal/config"
	"github.com/G-TechSD/ganesha-ai-sub002/internal/perception"
)

func TestParseActionDone(t *testing.T) {
	action, err := ParseAction(`{"done": true, "reason": "goal achieved"}`, nil)
	require.NoError(t, err)
	assert.Nil(t, action)
}

func TestParseActionStuck(t *testing.T) {
	action, err := ParseAction(`{"stuck": true, "reason": "no viable path"}`, nil)
	require.NoError(t, err)
	assert.Nil(t, action)
}

func TestParseActionFull(t *testing.T) {
	action, err := ParseAction(`{
		"intent": "Click save button",
		"action_type": "click",
		"target": {"description": "Save button", "x": 500, "y": 300},
		"confidence": 0.9,
		"expected_result": "File saved"
	}`, nil)
	require.NoError(t, err)
	require.NotNil(t, action)

	assert.Equal(t, "Click save button", action.Intent)
	assert.Equal(t, agent.ActionClick, action.Kind)
	require.NotNil(t, action.Target)
	assert.Equal(t, "Save button", action.Target.Description)
	assert.Equal(t, 500, action.Target.X)
	assert.Equal(t, 300, action.Target.Y)
	assert.InDelta(t, 0.9, action.Confidence, 0.001)
	assert.Equal(t, "File saved", action.ExpectedResult)
}

func TestParseActionDefaults(t *testing.T) {
	// Unknown action type falls back to click; missing coordinates and
	// confidence default to screen center and 0.5.
	action, err := ParseAction(`{
		"intent": "Do something",
		"action_type": "teleport",
		"target": {"description": "somewhere"}
	}`, nil)
	require.NoError(t, err)
	require.NotNil(t, action)

	assert.Equal(t, agent.ActionClick, action.Kind)
	assert.Equal(t, 640, action.Target.X)
	assert.Equal(t, 360, action.Target.Y)
	assert.InDelta(t, 0.5, action.Confidence, 0.001)
}

func TestParseActionNoTarget(t *testing.T) {
	action, err := ParseAction(`{"intent": "New tab", "action_type": "key_press", "keys": "ctrl+t"}`, nil)
	require.NoError(t, err)
	require.NotNil(t, action)

	assert.Equal(t, agent.ActionKeyPress, action.Kind)
	assert.Equal(t, "ctrl+t", action.Keys)
	assert.Nil(t, action.Target)
}

func TestParseActionWrappedInProse(t *testing.T) {
	action, err := ParseAction("Sure, here's the next step:\n```json\n{\"intent\": \"Wait\", \"action_type\": \"wait\"}\n```", nil)
	require.NoError(t, err)
	require.NotNil(t, action)
	assert.Equal(t, agent.ActionWait, action.Kind)
}

func TestParseActionGarbage(t *testing.T) {
	_, err := ParseAction("no json here at all", nil)
	assert.Error(t, err)
}

func planRequestFixture() agent.PlanRequest {
	return agent.PlanRequest{
		Goal: agent.Goal{
			Objective:       "Open example.com",
			SuccessCriteria: []string{"example domain"},
		},
		Analysis: &perception.Analysis{
			App:   "Firefox",
			Title: "New Tab",
			State: perception.StateReady,
		},
		History: []agent.ActionResult{
			{
				Action:  agent.PlannedAction{Intent: "Focus address bar", ExpectedResult: "Address bar focused"},
				Success: true,
			},
			{
				Action:  agent.PlannedAction{Intent: "Type the URL", ExpectedResult: "URL visible"},
				Success: false,
			},
		},
		MemoryContext: "KNOWN PITFALLS (avoid these):\n  - In Firefox: tried 'click icon' -> no effect. Instead: use Ctrl+L",
		Frame:         &perception.Frame{Data: []byte("jpegbytes"), Width: 1280, Height: 720},
	}
}

func TestBuildUserContent(t *testing.T) {
	content := buildUserContent(planRequestFixture())

	assert.Contains(t, content, "GOAL: Open example.com")
	assert.Contains(t, content, "SUCCESS CRITERIA:\n- example domain")
	assert.Contains(t, content, "- App: Firefox")
	assert.Contains(t, content, "RECENT ACTIONS:")
	assert.Contains(t, content, "KNOWN PITFALLS")
	assert.Contains(t, content, "What is the SINGLE next action to achieve the goal?")

	// Newest first, with the pass/fail verdict
	typeIdx := strings.Index(content, "- Type the URL (FAILED): URL visible")
	focusIdx := strings.Index(content, "- Focus address bar (OK): Address bar focused")
	require.GreaterOrEqual(t, typeIdx, 0)
	require.GreaterOrEqual(t, focusIdx, 0)
	assert.Less(t, typeIdx, focusIdx)
}

func TestBuildUserContentEmptyHistory(t *testing.T) {
	req := planRequestFixture()
	req.History = nil
	req.MemoryContext = ""

	content := buildUserContent(req)
	assert.Contains(t, content, "No actions taken yet.")
	assert.NotContains(t, content, "PITFALLS")
}

func TestNextAction(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))

		resp := map[string]interface{}{
			"choices": []map[string]interface{}{{
				"message": map[string]interface{}{
					"content": `{"intent": "Focus address bar", "action_type": "key_press", "keys": "ctrl+l", "expected_result": "Address bar focused"}`,
				},
			}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient(config.PlannerConfig{Endpoint: srv.URL, Model: "test-model", APIKey: "secret"})
	action, err := c.NextAction(context.Background(), planRequestFixture())
	require.NoError(t, err)
	require.NotNil(t, action)

	assert.Equal(t, agent.ActionKeyPress, action.Kind)
	assert.Equal(t, "ctrl+l", action.Keys)

	assert.Equal(t, "test-model", gotBody["model"])
	msgs := gotBody["messages"].([]interface{})
	require.Len(t, msgs, 2)
	system := msgs[0].(map[string]interface{})
	assert.Equal(t, "system", system["role"])
	assert.Contains(t, system["content"], "KEYBOARD-FIRST STRATEGY")

	// With a frame attached the user message is multimodal
	user := msgs[1].(map[string]interface{})
	parts := user["content"].([]interface{})
	require.Len(t, parts, 2)
	img := parts[1].(map[string]interface{})
	assert.Equal(t, "image_url", img["type"])
}

func TestNextActionTextOnlyWithoutFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))

		msgs := body["messages"].([]interface{})
		user := msgs[1].(map[string]interface{})
		_, isString := user["content"].(string)
		assert.True(t, isString, "user content should be a plain string without a frame")

		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{{
				"message": map[string]interface{}{"content": `{"done": true, "reason": "already there"}`},
			}},
		})
	}))
	defer srv.Close()

	req := planRequestFixture()
	req.Frame = nil

	c := NewClient(config.PlannerConfig{Endpoint: srv.URL, Model: "test-model"})
	action, err := c.NextAction(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, action)
}

func TestNextActionReasoningContentFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{{
				"message": map[string]interface{}{
					"content":           "",
					"reasoning_content": `{"intent": "Wait for load", "action_type": "wait"}`,
				},
			}},
		})
	}))
	defer srv.Close()

	c := NewClient(config.PlannerConfig{Endpoint: srv.URL, Model: "test-model"})
	action, err := c.NextAction(context.Background(), planRequestFixture())
	require.NoError(t, err)
	require.NotNil(t, action)
	assert.Equal(t, agent.ActionWait, action.Kind)
}

func TestNextActionServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(config.PlannerConfig{Endpoint: srv.URL, Model: "test-model"})
	_, err := c.NextAction(context.Background(), planRequestFixture())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
