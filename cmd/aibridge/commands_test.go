package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/kalambet/aibridge/internal/config"
	"github.com/kalambet/aibridge/internal/engine"
	"github.com/kalambet/aibridge/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found_error"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client(token string) *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      token,
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

// fakeOllama answers /api/tags, /api/show and /api/chat. Streams send chunks,
// "Hel" and "lo" by default; requests with a format get structured back.
type fakeOllama struct {
	structured string
	chunks     []string
	languages  []string
}

func (f *fakeOllama) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/tags":
		w.Write([]byte(`{"models":[{"name":"phi3.5:latest"}]}`))
	case "/api/show":
		json.NewEncoder(w).Encode(map[string]any{"model_info": map[string]any{"general.languages": f.languages}})
	case "/api/chat":
		var body struct {
			Stream bool            `json:"stream"`
			Format json.RawMessage `json:"format"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		enc := json.NewEncoder(w)
		msg := func(content string, done bool) map[string]any {
			return map[string]any{"message": map[string]string{"role": "assistant", "content": content}, "done": done}
		}
		switch {
		case len(body.Format) > 0:
			enc.Encode(msg(f.structured, true))
		case !body.Stream:
			enc.Encode(msg("Hello", true))
		default:
			chunks := f.chunks
			if chunks == nil {
				chunks = []string{"Hel", "lo"}
			}
			for _, c := range chunks {
				enc.Encode(msg(c, false))
			}
			enc.Encode(msg("", true))
		}
	default:
		http.NotFound(w, r)
	}
}

// newTestApp builds the engine stack against a fake Ollama and silences
// status output for the duration of the test.
func newTestApp(t *testing.T) *app {
	t.Helper()
	return newTestAppWith(t, &fakeOllama{structured: `{"name":"Ada","age":36}`})
}

func newTestAppWith(t *testing.T, f *fakeOllama) *app {
	t.Helper()
	srv := httptest.NewServer(f)

	cfg := config.Config{
		Engine: config.EngineConfig{Backend: "ollama", OllamaURL: srv.URL, Model: "phi3.5"},
		Chat:   config.ChatConfig{Temperature: 0.7, MaxTokens: 100, StreamTimeout: "5s"},
	}
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	a := newApp(cfg, engine.NewOllamaBackend(srv.URL), logger)

	oldErrOut := errOut
	errOut = &bytes.Buffer{}
	t.Cleanup(func() {
		errOut = oldErrOut
		a.Close()
		srv.Close()
	})
	return a
}

func TestStatusCommand_Running(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/status": `{"status":"available","sessions":2,"streams":1,"max_sessions":255,"languages":["English","French"]}`,
	})

	resp, err := ts.client("").get(ctx, "/v1/status")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var st serverStatus
	if err := decodeJSON(resp, &st); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if st.Status != "available" || st.Sessions != 2 || st.MaxSessions != 255 {
		t.Errorf("status = %+v", st)
	}
	if len(st.Languages) != 2 || st.Languages[1] != "French" {
		t.Errorf("languages = %v", st.Languages)
	}
}

func TestLanguagesLabel(t *testing.T) {
	tests := []struct {
		langs []string
		want  string
	}{
		{nil, "none reported"},
		{[]string{"English", "French"}, "English, French"},
		{[]string{"a", "b", "c", "d", "e", "f", "g"}, "a, b, c, d, e and 2 more"},
	}
	for _, tt := range tests {
		if got := languagesLabel(tt.langs); got != tt.want {
			t.Errorf("languagesLabel(%v) = %q, want %q", tt.langs, got, tt.want)
		}
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client("").get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /health": `{"status":"ok"}`})

	resp, err := ts.client("my-secret").get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	resp, err = ts.client("").get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if len(ts.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(ts.requests))
	}
	if ts.requests[0].Auth != "Bearer my-secret" {
		t.Errorf("auth = %q, want Bearer my-secret", ts.requests[0].Auth)
	}
	if ts.requests[1].Auth != "" {
		t.Errorf("auth = %q, want no header without a token", ts.requests[1].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	resp, err := ts.client("").get(ctx, "/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var v any
	err = decodeJSON(resp, &v)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %q, want it to mention 404", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	oldNoColor, oldGlobal := noColor, color.NoColor
	defer func() { noColor, color.NoColor = oldNoColor, oldGlobal }()
	color.NoColor = false

	noColor = true
	result := colorize(color.FgGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(color.FgGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestCountLabel(t *testing.T) {
	tests := []struct {
		count, limit int
		want         string
	}{
		{0, 255, "0/255"},
		{3, 255, "3/255"},
		{7, 0, "7"},
	}
	for _, tt := range tests {
		if got := countLabel(tt.count, tt.limit); got != tt.want {
			t.Errorf("countLabel(%d, %d) = %q, want %q", tt.count, tt.limit, got, tt.want)
		}
	}
}

func TestSetupLogging(t *testing.T) {
	old := slog.Default()
	defer slog.SetDefault(old)

	if l := setupLogging("debug"); !l.Enabled(ctx, slog.LevelDebug) {
		t.Error("debug level not enabled for \"debug\"")
	}
	if l := setupLogging("WARN"); l.Enabled(ctx, slog.LevelInfo) {
		t.Error("info enabled for \"WARN\"")
	}
	if l := setupLogging("nonsense"); !l.Enabled(ctx, slog.LevelInfo) || l.Enabled(ctx, slog.LevelDebug) {
		t.Error("unknown level should fall back to info")
	}
}

func TestGenerateCommand_MissingPrompt(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"generate"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing prompt")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestBuildPrompt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("the notes"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := buildPrompt([]string{"Summarise", "this"}, path)
	if err != nil {
		t.Fatalf("buildPrompt: %v", err)
	}
	if got != "Summarise this\n\nthe notes" {
		t.Errorf("got %q", got)
	}

	got, err = buildPrompt(nil, path)
	if err != nil || got != "the notes" {
		t.Errorf("file only: got %q, %v", got, err)
	}

	if _, err := buildPrompt(nil, filepath.Join(t.TempDir(), "missing.pdf")); err == nil {
		t.Error("expected error for missing pdf")
	}
}

func TestRunGenerate(t *testing.T) {
	a := newTestApp(t)

	tests := []struct {
		name string
		opts generateOptions
		want string
	}{
		{"plain", generateOptions{prompt: "hi", temperature: 0.5, maxTokens: 10}, "Hello\n"},
		{"stream", generateOptions{prompt: "hi", stream: true, temperature: 0.5, maxTokens: 10}, "Hello\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := runGenerate(ctx, a, tt.opts, &out); err != nil {
				t.Fatalf("runGenerate: %v", err)
			}
			if out.String() != tt.want {
				t.Errorf("output = %q, want %q", out.String(), tt.want)
			}
		})
	}
	if n := a.bridge.SessionCount(); n != 0 {
		t.Errorf("sessions left open: %d", n)
	}
}

func TestRunGenerate_Schema(t *testing.T) {
	a := newTestApp(t)
	path := filepath.Join(t.TempDir(), "person.yaml")
	if err := os.WriteFile(path, []byte("type: object\nproperties:\n  name: {type: string}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	err := runGenerate(ctx, a, generateOptions{prompt: "invent", schemaPath: path, temperature: 1, maxTokens: 50}, &out)
	if err != nil {
		t.Fatalf("runGenerate: %v", err)
	}
	var v map[string]any
	if err := json.Unmarshal(out.Bytes(), &v); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, out.String())
	}
	if v["name"] != "Ada" {
		t.Errorf("name = %v, want Ada", v["name"])
	}
}

func TestRunGenerate_InvalidParams(t *testing.T) {
	a := newTestApp(t)

	var out bytes.Buffer
	err := runGenerate(ctx, a, generateOptions{prompt: "hi", temperature: 9, maxTokens: 10}, &out)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "temperature") {
		t.Errorf("error = %q, want it to mention temperature", err.Error())
	}
}

func TestREPL_ConversationAndSave(t *testing.T) {
	a := newTestApp(t)
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	in := strings.NewReader("/temp 0.2\n/tokens 50\nhello\n/history\n/save greeting\n/exit\n")
	var out bytes.Buffer
	r := newREPL(a, store, in, &out)
	if err := r.run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if r.params.Temperature != 0.2 || r.params.MaxTokens != 50 {
		t.Errorf("params = %+v", r.params)
	}
	got := out.String()
	if !strings.Contains(got, "Hello") {
		t.Errorf("output missing streamed reply: %q", got)
	}
	if !strings.Contains(got, "user:") || !strings.Contains(got, "assistant:") {
		t.Errorf("output missing history: %q", got)
	}

	list, err := store.ListTranscripts(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Title != "greeting" || len(list[0].Messages) != 2 {
		t.Fatalf("transcripts = %+v", list)
	}
	if a.bridge.SessionCount() != 0 {
		t.Error("session not destroyed when the loop ended")
	}
}

func TestREPL_LoadTranscript(t *testing.T) {
	a := newTestApp(t)
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	id, err := store.SaveTranscript(storage.Transcript{
		Title: "earlier",
		Messages: []storage.Message{
			{Role: "user", Content: "my name is Ada"},
			{Role: "assistant", Content: "Hi Ada"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	r := newREPL(a, store, strings.NewReader("/load "+id+"\n/history\n"), &out)
	if err := r.run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "my name is Ada") {
		t.Errorf("loaded history not shown: %q", out.String())
	}
	if r.transcriptID != id {
		t.Errorf("transcriptID = %q, want %q", r.transcriptID, id)
	}
}

func TestREPL_Languages(t *testing.T) {
	f := &fakeOllama{languages: []string{"en", "fr", "de", "es", "it", "pt", "nl", "sv", "pl", "ja", "ko", "zh"}}
	a := newTestAppWith(t, f)

	var out bytes.Buffer
	r := newREPL(a, nil, strings.NewReader("/languages\n"), &out)
	if err := r.run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "Supported languages: 12") {
		t.Errorf("banner missing: %q", got)
	}
	for _, want := range []string{"English", "French", "Japanese", "... and 2 more"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q: %q", want, got)
		}
	}
	if strings.Contains(got, "Korean") {
		t.Errorf("list should stop after ten names: %q", got)
	}
}

func TestREPL_LanguagesConfigured(t *testing.T) {
	a := newTestAppWith(t, &fakeOllama{languages: []string{"en"}})
	a.local.SetLanguages([]string{"de"})

	var out bytes.Buffer
	r := newREPL(a, nil, strings.NewReader(""), &out)
	if _, err := r.command(ctx, "/languages"); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); !strings.Contains(got, "German") || strings.Contains(got, "English") {
		t.Errorf("configured languages not used: %q", got)
	}
}

func TestREPL_NoLanguages(t *testing.T) {
	a := newTestApp(t)

	var out bytes.Buffer
	r := newREPL(a, nil, strings.NewReader("/languages\n"), &out)
	if err := r.run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := out.String()
	if strings.Contains(got, "Supported languages") {
		t.Errorf("banner shown without languages: %q", got)
	}
	if !strings.Contains(got, "No languages reported.") {
		t.Errorf("output = %q", got)
	}
}

func TestREPL_RendersMarkdownReply(t *testing.T) {
	oldGlobal := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = oldGlobal }()

	f := &fakeOllama{chunks: []string{"# Plan\n\n", "Use **bold** and `code`.\n\n", "- one\n- two\n"}}
	a := newTestAppWith(t, f)

	var out bytes.Buffer
	r := newREPL(a, nil, strings.NewReader("go\n"), &out)
	if err := r.run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := out.String()
	if want := "Plan\n\nUse bold and code.\n\n• one\n• two"; !strings.Contains(got, want) {
		t.Errorf("rendered reply missing %q: %q", want, got)
	}
	if strings.Contains(got, "**") || strings.Contains(got, "# Plan") {
		t.Errorf("markdown syntax left in reply: %q", got)
	}
}

func TestREPL_RawReply(t *testing.T) {
	f := &fakeOllama{chunks: []string{"Use **bold**", " here."}}
	a := newTestAppWith(t, f)

	var out bytes.Buffer
	r := newREPL(a, nil, strings.NewReader("go\n"), &out)
	r.raw = true
	if err := r.run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "Use **bold** here.") {
		t.Errorf("raw reply altered: %q", out.String())
	}
}

func TestRenderMarkdown(t *testing.T) {
	oldNoColor := noColor
	noColor = true
	defer func() { noColor = oldNoColor }()

	tests := []struct {
		name, in, want string
	}{
		{"plain", "Hello", "Hello"},
		{"heading", "## Title\nbody", "Title\n\nbody"},
		{"emphasis", "*a* and **b**", "a and b"},
		{"link", "see [docs](https://example.com)", "see docs (https://example.com)"},
		{"ordered", "1. first\n2. second", "1. first\n2. second"},
		{"nested", "- a\n  - b", "• a\n  • b"},
		{"code", "```go\nx := 1\n```", "  x := 1"},
		{"quote", "> hi", "│ hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := renderMarkdown(tt.in); got != tt.want {
				t.Errorf("renderMarkdown(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRenderMarkdown_Styles(t *testing.T) {
	oldNoColor, oldGlobal := noColor, color.NoColor
	defer func() { noColor, color.NoColor = oldNoColor, oldGlobal }()
	noColor, color.NoColor = false, false

	got := renderMarkdown("# Title\n\n**bold** `code`")
	bold := color.New(color.Bold).Sprint("Title")
	if !strings.Contains(got, bold) {
		t.Errorf("heading not bold: %q", got)
	}
	if !strings.Contains(got, color.New(color.FgYellow).Sprint("code")) {
		t.Errorf("code span not highlighted: %q", got)
	}
}

func TestREPL_RejectsBadCommands(t *testing.T) {
	a := newTestApp(t)
	r := newREPL(a, nil, strings.NewReader(""), &bytes.Buffer{})

	for _, line := range []string{"/temp 3", "/temp x", "/tokens 0", "/tokens 100001", "/schema", "/load", "/bogus", "/save"} {
		quit, err := r.command(ctx, line)
		if err == nil {
			t.Errorf("%q: expected error", line)
		}
		if quit {
			t.Errorf("%q: should not quit", line)
		}
	}
	if quit, _ := r.command(ctx, "/quit"); !quit {
		t.Error("/quit should end the loop")
	}
}

func TestRunBench(t *testing.T) {
	a := newTestApp(t)

	results, err := runBench(ctx, a, 3, "count", 20)
	if err != nil {
		t.Fatalf("runBench: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for _, r := range results {
		if r.chunks != 2 || r.chars != len("Hello") {
			t.Errorf("session %d: chunks=%d chars=%d", r.session, r.chunks, r.chars)
		}
	}

	var out bytes.Buffer
	printBench(&out, results)
	if !strings.Contains(out.String(), "sessions 3") {
		t.Errorf("summary missing: %q", out.String())
	}
}

func TestTranscriptLine(t *testing.T) {
	oldNoColor := noColor
	noColor = true
	defer func() { noColor = oldNoColor }()

	line := transcriptLine(storage.Transcript{
		ID:        "0123456789abcdef",
		Title:     strings.Repeat("x", 70),
		Messages:  make([]storage.Message, 4),
		UpdatedAt: time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC),
	})
	if !strings.HasPrefix(line, "01234567  ") {
		t.Errorf("line = %q, want short id prefix", line)
	}
	if !strings.Contains(line, "4 msgs") || !strings.HasSuffix(line, "...") {
		t.Errorf("line = %q", line)
	}
	if shortID("abc") != "abc" {
		t.Error("shortID should keep short ids")
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(t.TempDir())
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error after removal")
	}
}
