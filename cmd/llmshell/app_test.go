package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vitali87/llm-shell/prompt"
	"github.com/vitali87/llm-shell/runner"
	"github.com/vitali87/llm-shell/translate"
)

func testApp(t *testing.T) *App {
	return &App{
		logger: zaptest.NewLogger(t),
		level:  zap.NewAtomicLevel(),
	}
}

func observedApp() (*App, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return &App{
		logger: zap.New(core),
		level:  zap.NewAtomicLevel(),
	}, logs
}

// echoEndpoint answers every chat request with "echo <prompt>" and tracks the
// peak number of requests handled at once.
type echoEndpoint struct {
	delay     time.Duration
	model     atomic.Value
	userAgent atomic.Value

	inflight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
}

func (e *echoEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := e.inflight.Add(1)
	defer e.inflight.Add(-1)
	e.calls.Add(1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}

	var req runner.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) != 1 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	e.model.Store(req.Model)
	e.userAgent.Store(r.Header.Get("User-Agent"))
	instruction := strings.TrimPrefix(req.Messages[0].Content, strings.TrimSuffix(translate.Template, "%s"))

	time.Sleep(e.delay)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"model":   req.Model,
		"message": map[string]string{"role": "assistant", "content": "\n echo " + instruction + " \n"},
		"done":    true,
	})
}

func writeInput(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func readOutput(t *testing.T, path string) []map[string]string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var out []map[string]string
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestAppRun(t *testing.T) {
	a := require.New(t)
	endpoint := &echoEndpoint{}
	srv := httptest.NewServer(endpoint)
	defer srv.Close()

	in := writeInput(t, "prompts.txt", "list files\n\nshow disk usage\nprint working directory\n")
	out := filepath.Join(t.TempDir(), "out.json")

	a.NoError(testApp(t).Run([]string{"llmshell", "run", "--base-url", srv.URL, "-o", out, in}))

	got := readOutput(t, out)
	a.Len(got, 3)
	for i, instruction := range []string{"list files", "show disk usage", "print working directory"} {
		a.Equal(instruction, got[i]["instruction"])
		a.Equal("echo "+instruction, got[i]["command"])
	}
	a.Equal("mistral", endpoint.model.Load())
	a.Equal(runner.DefaultUserAgent, endpoint.userAgent.Load())
}

func TestAppRunIdempotent(t *testing.T) {
	a := require.New(t)
	srv := httptest.NewServer(&echoEndpoint{})
	defer srv.Close()

	in := writeInput(t, "prompts.json", `{"prompts":["a","b","c","d","e"]}`)
	dir := t.TempDir()
	first := filepath.Join(dir, "first.json")
	second := filepath.Join(dir, "second.json")

	a.NoError(testApp(t).Run([]string{"llmshell", "run", "-u", srv.URL, "-w", "2", "-o", first, in}))
	a.NoError(testApp(t).Run([]string{"llmshell", "run", "-u", srv.URL, "-w", "4", "-o", second, in}))

	b1, err := os.ReadFile(first)
	a.NoError(err)
	b2, err := os.ReadFile(second)
	a.NoError(err)
	a.Equal(string(b1), string(b2))
}

func TestAppRunBoundsConcurrency(t *testing.T) {
	a := require.New(t)
	endpoint := &echoEndpoint{delay: 10 * time.Millisecond}
	srv := httptest.NewServer(endpoint)
	defer srv.Close()

	lines := make([]string, 30)
	for i := range lines {
		lines[i] = "prompt " + string(rune('a'+i%26))
	}
	in := writeInput(t, "prompts.txt", strings.Join(lines, "\n"))
	out := filepath.Join(t.TempDir(), "out.json")

	a.NoError(testApp(t).Run([]string{"llmshell", "run", "-u", srv.URL, "-w", "3", "-o", out, in}))
	a.Len(readOutput(t, out), 30)
	a.EqualValues(30, endpoint.calls.Load())
	a.LessOrEqual(int(endpoint.peak.Load()), 3)
}

func TestAppRunEndpointDown(t *testing.T) {
	a := require.New(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	in := writeInput(t, "prompts.json", `["one","two"]`)
	out := filepath.Join(t.TempDir(), "out.json")
	metricsFile := filepath.Join(t.TempDir(), "llmshell.prom")

	a.NoError(testApp(t).Run([]string{
		"llmshell", "run",
		"-u", srv.URL,
		"--max-retries", "2",
		"--retry-delay", "1ms",
		"--metrics.file", metricsFile,
		"-o", out,
		in,
	}))

	got := readOutput(t, out)
	a.Equal([]map[string]string{
		{"instruction": "one", "command": translate.FailureCommand},
		{"instruction": "two", "command": translate.FailureCommand},
	}, got)
	a.EqualValues(6, calls.Load())

	prom, err := os.ReadFile(metricsFile)
	a.NoError(err)
	a.Contains(string(prom), `llmshell_results_total{status="failure"} 2`)
	a.Contains(string(prom), "llmshell_retries_total 4")
}

func TestAppRunConfigFile(t *testing.T) {
	a := require.New(t)
	endpoint := &echoEndpoint{}
	srv := httptest.NewServer(endpoint)
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "out.json")
	config := writeInput(t, "llmshell.yml", "model: llama3\nworkers: 2\nbase-url: "+srv.URL+"\noutput: "+out+"\n")
	in := writeInput(t, "prompts.txt", "uptime\n")

	a.NoError(testApp(t).Run([]string{"llmshell", "run", "--config.file", config, in}))
	a.Equal("llama3", endpoint.model.Load())
	a.Equal([]map[string]string{{"instruction": "uptime", "command": "echo uptime"}}, readOutput(t, out))
}

func TestAppRunSetupErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	dir := t.TempDir()
	out := filepath.Join(dir, "out.json")
	badJSON := writeInput(t, "bad.json", `{"items":[]}`)
	good := writeInput(t, "good.txt", "a\n")
	badUTF8 := writeInput(t, "bad.txt", "list \xff files\n")

	tests := []struct {
		name string
		args []string
		is   error
	}{
		{name: "missing input", args: []string{filepath.Join(dir, "nope.txt")}, is: prompt.ErrNotFound},
		{name: "invalid json", args: []string{badJSON}, is: prompt.ErrInvalidFormat},
		{name: "invalid utf-8", args: []string{badUTF8}, is: prompt.ErrInvalidFormat},
		{name: "no input", args: nil},
		{name: "zero workers", args: []string{"-w", "0", good}},
		{name: "negative retries", args: []string{"--max-retries", "-1", good}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			a := require.New(t)
			args := append([]string{"llmshell", "run", "-u", srv.URL, "-o", out}, tt.args...)
			err := testApp(t).Run(args)
			a.Error(err)
			if tt.is != nil {
				a.ErrorIs(err, tt.is)
			}
			a.NoFileExists(out)
		})
	}
	require.EqualValues(t, 0, calls.Load())
}

func TestAppRunOutputError(t *testing.T) {
	a := require.New(t)
	srv := httptest.NewServer(&echoEndpoint{})
	defer srv.Close()

	in := writeInput(t, "prompts.txt", "a\n")
	out := filepath.Join(t.TempDir(), "missing", "out.json")

	a.Error(testApp(t).Run([]string{"llmshell", "run", "-u", srv.URL, "-o", out, in}))
}

func TestAppRunUserAgent(t *testing.T) {
	a := require.New(t)
	endpoint := &echoEndpoint{}
	srv := httptest.NewServer(endpoint)
	defer srv.Close()

	in := writeInput(t, "prompts.txt", "uptime\n")
	out := filepath.Join(t.TempDir(), "out.json")

	a.NoError(testApp(t).Run([]string{"llmshell", "run", "-u", srv.URL, "--user-agent", "batch-bot/2.0", "-o", out, in}))
	a.Equal("batch-bot/2.0", endpoint.userAgent.Load())
}

func TestAppRunTemperatureWarning(t *testing.T) {
	const msg = "Configured temperature is not forwarded to the model"
	srv := httptest.NewServer(&echoEndpoint{})
	defer srv.Close()

	in := writeInput(t, "prompts.txt", "uptime\n")

	tests := []struct {
		name  string
		args  []string
		warns int
	}{
		{name: "default", args: nil, warns: 0},
		{name: "same as sent", args: []string{"-t", "0.1"}, warns: 0},
		{name: "different", args: []string{"-t", "0.7"}, warns: 1},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			a := require.New(t)
			app, logs := observedApp()
			out := filepath.Join(t.TempDir(), "out.json")

			args := append([]string{"llmshell", "run", "-u", srv.URL, "-o", out}, tt.args...)
			a.NoError(app.Run(append(args, in)))

			warnings := logs.FilterMessage(msg)
			a.Equal(tt.warns, warnings.Len())
			for _, e := range warnings.All() {
				a.Equal(zapcore.WarnLevel, e.Level)
				a.Equal(0.7, e.ContextMap()["configured"])
				a.Equal(translate.RequestTemperature, e.ContextMap()["sent"])
			}
		})
	}
}

func TestAppRunLogsSummaryOnce(t *testing.T) {
	a := require.New(t)
	srv := httptest.NewServer(&echoEndpoint{})
	defer srv.Close()

	app, logs := observedApp()
	in := writeInput(t, "prompts.txt", "a\nb\nc\n")
	out := filepath.Join(t.TempDir(), "out.json")
	a.NoError(app.Run([]string{"llmshell", "run", "-u", srv.URL, "-o", out, in}))

	var summaries []observer.LoggedEntry
	for _, e := range logs.All() {
		if _, ok := e.ContextMap()["succeeded"]; ok {
			summaries = append(summaries, e)
		}
	}
	a.Len(summaries, 1)
	a.Equal("Processing complete", summaries[0].Message)
	a.EqualValues(3, summaries[0].ContextMap()["total"])
	a.EqualValues(3, summaries[0].ContextMap()["succeeded"])
	a.EqualValues(0, summaries[0].ContextMap()["failed"])
}
