package perception

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/G-TechSD/ganesha-ai-sub002/internal/config"
)

func TestParseAnalysis(t *testing.T) {
	raw := `{"app":"firefox","title":"Mozilla Firefox","elements":[{"type":"button","label":"New Tab","position":"tr","interactive":true}],"dialogs":[],"text":["Welcome to Firefox"],"state":"ready","confidence":0.92}`

	a, err := ParseAnalysis(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if a.App != "firefox" {
		t.Errorf("app = %q", a.App)
	}
	if a.State != StateReady {
		t.Errorf("state = %q", a.State)
	}
	if len(a.Elements) != 1 || a.Elements[0].Label != "New Tab" {
		t.Errorf("elements = %+v", a.Elements)
	}
}

func TestParseAnalysisWithProseWrapper(t *testing.T) {
	wrapped := "Here is the analysis:\n```json\n{\"app\":\"nautilus\",\"title\":\"Home\",\"elements\":[],\"dialogs\":[],\"text\":[],\"state\":\"ready\",\"confidence\":0.8}\n```\nDone."
	a, err := ParseAnalysis(wrapped)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if a.App != "nautilus" {
		t.Errorf("app = %q", a.App)
	}
}

func TestParseAnalysisDefaultsUnknownState(t *testing.T) {
	a, err := ParseAnalysis(`{"app":"x","title":"y","elements":[],"dialogs":[],"text":[]}`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if a.State != StateUnknown {
		t.Errorf("expected unknown state, got %q", a.State)
	}
}

func TestExtractJSONNoObject(t *testing.T) {
	if _, err := ExtractJSON("nothing to see here"); err == nil {
		t.Error("expected error for response without JSON")
	}
}

func TestAnalyzeAgainstStubEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sekrit" {
			t.Errorf("missing auth header")
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"{\"app\":\"firefox\",\"title\":\"Downloads\",\"elements\":[],\"dialogs\":[],\"text\":[\"done\"],\"state\":\"ready\",\"confidence\":0.9}"}}]}`))
	}))
	defer srv.Close()

	c := NewClient(config.VisionConfig{
		Endpoint: srv.URL,
		Model:    "test-model",
		APIKey:   "sekrit",
		Timeout:  "5s",
	}, t.TempDir())

	a, err := c.Analyze(context.Background(), &Frame{Data: []byte("fakejpeg"), Width: 1280, Height: 720})
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if a.Title != "Downloads" {
		t.Errorf("title = %q", a.Title)
	}
}

func TestAnalyzeReasoningContentFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"","reasoning_content":"{\"app\":\"gedit\",\"title\":\"notes\",\"elements\":[],\"dialogs\":[],\"text\":[],\"state\":\"ready\",\"confidence\":0.7}"}}]}`))
	}))
	defer srv.Close()

	c := NewClient(config.VisionConfig{Endpoint: srv.URL, Model: "m", Timeout: "5s"}, t.TempDir())
	a, err := c.Analyze(context.Background(), &Frame{Data: []byte("x")})
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if a.App != "gedit" {
		t.Errorf("app = %q", a.App)
	}
}

func TestAnalyzeAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(config.VisionConfig{Endpoint: srv.URL, Model: "m", Timeout: "5s"}, t.TempDir())
	_, err := c.Analyze(context.Background(), &Frame{Data: []byte("x")})
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("expected 503 error, got %v", err)
	}
}

func TestSummaryFormat(t *testing.T) {
	a := &Analysis{
		App:      "firefox",
		Title:    "Example",
		State:    StateReady,
		Elements: []Element{{Type: "button", Label: "OK", Position: "center", Interactive: true}},
		Text:     []string{"hello"},
		Dialogs:  []Dialog{{Type: "confirm", Message: "Save changes?", Buttons: []string{"Yes", "No"}}},
	}
	s := a.Summary()
	for _, want := range []string{
		"- App: firefox",
		"button 'OK' at center (interactive: true)",
		"- Visible Text: hello",
		"confirm: Save changes? [Yes, No]",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("summary missing %q:\n%s", want, s)
		}
	}
}
