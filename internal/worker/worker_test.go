// Package worker_test tests the line-protocol request loop.
package worker_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/book-expert/tts-worker/internal/core"
	"github.com/book-expert/tts-worker/internal/metrics"
	"github.com/book-expert/tts-worker/internal/scratch"
	"github.com/book-expert/tts-worker/internal/tts/audio/audiotest"
	"github.com/book-expert/tts-worker/internal/worker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errMockSynthesize = errors.New("CUDA out of memory")
	errMockDeliver    = errors.New("nats: no responders")
	errMockWrite      = errors.New("broken pipe")
)

// mockSynthesizer writes a small valid WAV for every request it accepts.
type mockSynthesizer struct {
	mu                    sync.Mutex
	synthesizeShouldFail  bool
	synthesizeShouldPanic bool
	writeNothing          bool
	requests              []core.SynthesisRequest
}

func (m *mockSynthesizer) Synthesize(_ context.Context, req core.SynthesisRequest) error {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.synthesizeShouldPanic {
		panic("index out of range")
	}

	if m.synthesizeShouldFail {
		return errMockSynthesize
	}

	if m.writeNothing {
		return nil
	}

	return os.WriteFile(req.OutputPath, audiotest.WAV(16000, 16), 0o600)
}

func (m *mockSynthesizer) Info() core.EngineInfo {
	return core.EngineInfo{Backend: "mock", Model: "mock-model"}
}

func (m *mockSynthesizer) Close() error {
	return nil
}

func (m *mockSynthesizer) calls() []core.SynthesisRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]core.SynthesisRequest(nil), m.requests...)
}

// mockSink records delivered paths.
type mockSink struct {
	deliverShouldFail bool
	delivered         []string
}

func (m *mockSink) Deliver(_ context.Context, path string) error {
	m.delivered = append(m.delivered, path)

	if m.deliverShouldFail {
		return errMockDeliver
	}

	return nil
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errMockWrite
}

type harness struct {
	engine *mockSynthesizer
	dir    string
	worker *worker.Worker
}

func newHarness(t *testing.T, engine *mockSynthesizer, defaults worker.Defaults, opts ...worker.Option) *harness {
	t.Helper()

	dir := t.TempDir()

	alloc, err := scratch.New(dir, "")
	require.NoError(t, err)

	w, err := worker.New(engine, alloc, defaults, zerolog.Nop(), opts...)
	require.NoError(t, err)

	return &harness{engine: engine, dir: dir, worker: w}
}

// run feeds input to the worker and returns every response line decoded.
func (h *harness) run(t *testing.T, input string) []map[string]any {
	t.Helper()

	var out bytes.Buffer

	require.NoError(t, h.worker.Run(t.Context(), strings.NewReader(input), &out))

	return decodeLines(t, out.String())
}

func decodeLines(t *testing.T, output string) []map[string]any {
	t.Helper()

	var responses []map[string]any

	for _, line := range strings.Split(strings.TrimSuffix(output, "\n"), "\n") {
		if line == "" {
			continue
		}

		var response map[string]any

		require.NoError(t, json.Unmarshal([]byte(line), &response), "line %q", line)
		responses = append(responses, response)
	}

	return responses
}

func (h *harness) files(t *testing.T) []string {
	t.Helper()

	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}

	return names
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	alloc, err := scratch.New(t.TempDir(), "")
	require.NoError(t, err)

	_, err = worker.New(nil, alloc, worker.Defaults{}, zerolog.Nop())
	require.ErrorIs(t, err, worker.ErrEngineNil)

	_, err = worker.New(&mockSynthesizer{}, nil, worker.Defaults{}, zerolog.Nop())
	require.ErrorIs(t, err, worker.ErrScratchNil)
}

func TestRun_Success(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &mockSynthesizer{}, worker.Defaults{})

	responses := h.run(t, `{"id":1,"text":"Hello world"}`+"\n")
	require.Len(t, responses, 1)

	resp := responses[0]
	assert.InDelta(t, 1.0, resp["id"], 0)
	assert.Equal(t, true, resp["ok"])
	assert.NotContains(t, resp, "error")

	wav, ok := resp["wav"].(string)
	require.True(t, ok)
	assert.Equal(t, h.dir, filepath.Dir(wav))
	assert.True(t, strings.HasPrefix(filepath.Base(wav), scratch.DefaultPrefix))
	assert.True(t, strings.HasSuffix(wav, ".wav"))

	info, err := os.Stat(wav)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	calls := h.engine.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, core.SynthesisRequest{Text: "Hello world", OutputPath: wav}, calls[0])
}

func TestRun_EchoesIDs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &mockSynthesizer{}, worker.Defaults{})

	var out bytes.Buffer

	input := strings.Join([]string{
		`{"id":"abc","text":"a"}`,
		`{"id":{"job":7},"text":"b"}`,
		`{"id":null,"text":"c"}`,
		`{"text":"d"}`,
	}, "\n") + "\n"

	require.NoError(t, h.worker.Run(t.Context(), strings.NewReader(input), &out))

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 4)

	assert.True(t, strings.HasPrefix(lines[0], `{"id":"abc","ok":true,`))
	assert.True(t, strings.HasPrefix(lines[1], `{"id":{"job":7},"ok":true,`))
	assert.True(t, strings.HasPrefix(lines[2], `{"id":null,"ok":true,`))
	assert.True(t, strings.HasPrefix(lines[3], `{"id":0,"ok":true,`))
}

func TestRun_BadJSONContinues(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &mockSynthesizer{}, worker.Defaults{})

	responses := h.run(t, "this is not json\n[1,2]\n"+`{"id":2,"text":"still alive"}`+"\n")
	require.Len(t, responses, 3)

	for _, resp := range responses[:2] {
		assert.Equal(t, false, resp["ok"])
		assert.NotContains(t, resp, "id")
		assert.True(t, strings.HasPrefix(resp["error"].(string), "bad json: "), resp["error"])
	}

	assert.Equal(t, true, responses[2]["ok"])
	assert.InDelta(t, 2.0, responses[2]["id"], 0)
}

func TestRun_EmptyTextSkipsEngine(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &mockSynthesizer{}, worker.Defaults{})

	responses := h.run(t, strings.Join([]string{
		`{"id":1,"text":""}`,
		`{"id":2,"text":"   \t "}`,
		`{"id":3}`,
		`{"id":4,"text":42}`,
	}, "\n"))
	require.Len(t, responses, 4)

	for i, resp := range responses {
		assert.InDelta(t, float64(i+1), resp["id"], 0)
		assert.Equal(t, false, resp["ok"])
		assert.Equal(t, "empty text", resp["error"])
	}

	assert.Empty(t, h.engine.calls())
	assert.Empty(t, h.files(t))
}

func TestRun_QuitStopsReading(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &mockSynthesizer{}, worker.Defaults{})

	var out bytes.Buffer

	input := `{"cmd":"quit"}` + "\n" + `{"id":9,"text":"never"}` + "\n"

	require.NoError(t, h.worker.Run(t.Context(), strings.NewReader(input), &out))
	assert.Equal(t, `{"ok":true,"bye":true}`+"\n", out.String())
	assert.Empty(t, h.engine.calls())
}

func TestRun_MistypedExtensionFields(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &mockSynthesizer{}, worker.Defaults{})

	var out bytes.Buffer

	input := `{"id":7,"text":"hi","speaker_wav":5}` + "\r\n" +
		`{"cmd":"quit","language":1}` + "\r\n" +
		`{"id":9,"text":"never"}` + "\n"

	require.NoError(t, h.worker.Run(t.Context(), strings.NewReader(input), &out))

	responses := decodeLines(t, out.String())
	require.Len(t, responses, 2)

	assert.InDelta(t, 7.0, responses[0]["id"], 0)
	assert.Equal(t, true, responses[0]["ok"])
	assert.Equal(t, map[string]any{"ok": true, "bye": true}, responses[1])

	calls := h.engine.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "hi", calls[0].Text)
	assert.Empty(t, calls[0].SpeakerWav)
}

func TestRun_EndOfInput(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &mockSynthesizer{}, worker.Defaults{})

	assert.Empty(t, h.run(t, ""))
	assert.Empty(t, h.run(t, "\n   \n\t\n"), "blank lines produce no output")

	// A last line without a trailing newline is still served.
	responses := h.run(t, `{"id":5,"text":"tail"}`)
	require.Len(t, responses, 1)
	assert.Equal(t, true, responses[0]["ok"])
}

func TestRun_SynthesisFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		engine    *mockSynthesizer
		wantError string
	}{
		{name: "error", engine: &mockSynthesizer{synthesizeShouldFail: true}, wantError: errMockSynthesize.Error()},
		{name: "panic", engine: &mockSynthesizer{synthesizeShouldPanic: true}, wantError: "engine panic: index out of range"},
		{name: "no output", engine: &mockSynthesizer{writeNothing: true}, wantError: "engine produced no usable audio"},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, testCase.engine, worker.Defaults{})

			responses := h.run(t, `{"id":1,"text":"a"}`+"\n"+`{"id":2,"text":"b"}`+"\n")
			require.Len(t, responses, 2, "a failed request never ends the loop")

			for i, resp := range responses {
				assert.InDelta(t, float64(i+1), resp["id"], 0)
				assert.Equal(t, false, resp["ok"])
				assert.NotContains(t, resp, "wav")
				assert.Contains(t, resp["error"], testCase.wantError)
			}

			assert.Empty(t, h.files(t), "failed requests leave no files behind")
		})
	}
}

func TestRun_UniquePaths(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &mockSynthesizer{}, worker.Defaults{})

	var input strings.Builder
	for range 20 {
		input.WriteString(`{"text":"same text"}` + "\n")
	}

	responses := h.run(t, input.String())
	require.Len(t, responses, 20)

	seen := map[string]bool{}

	for _, resp := range responses {
		wav := resp["wav"].(string)
		assert.False(t, seen[wav], "duplicate path %s", wav)
		seen[wav] = true
	}

	assert.Len(t, h.files(t), 20)
}

func TestRun_VoiceAndLanguage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		defaults    worker.Defaults
		line        string
		wantSpeaker string
		wantLang    string
	}{
		{
			name:     "no reference voice drops language",
			defaults: worker.Defaults{Language: "en"},
			line:     `{"text":"hi","language":"de"}`,
		},
		{
			name:        "default voice and language",
			defaults:    worker.Defaults{Language: "en", SpeakerWav: "/voices/default.wav"},
			line:        `{"text":"hi"}`,
			wantSpeaker: "/voices/default.wav",
			wantLang:    "en",
		},
		{
			name:        "request overrides defaults",
			defaults:    worker.Defaults{Language: "en", SpeakerWav: "/voices/default.wav"},
			line:        `{"text":"hi","speaker_wav":"/voices/alt.wav","language":"fr"}`,
			wantSpeaker: "/voices/alt.wav",
			wantLang:    "fr",
		},
		{
			name:        "request voice without language",
			line:        `{"text":"hi","speaker_wav":"/voices/alt.wav"}`,
			wantSpeaker: "/voices/alt.wav",
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, &mockSynthesizer{}, testCase.defaults)
			h.run(t, testCase.line)

			calls := h.engine.calls()
			require.Len(t, calls, 1)
			assert.Equal(t, testCase.wantSpeaker, calls[0].SpeakerWav)
			assert.Equal(t, testCase.wantLang, calls[0].Language)
		})
	}
}

func TestRun_Sink(t *testing.T) {
	t.Parallel()

	t.Run("delivers successful files", func(t *testing.T) {
		t.Parallel()

		sink := &mockSink{}
		h := newHarness(t, &mockSynthesizer{}, worker.Defaults{}, worker.WithSink(sink))

		responses := h.run(t, `{"id":1,"text":"a"}`+"\n"+`{"id":2,"text":""}`+"\n")
		require.Len(t, responses, 2)
		assert.Equal(t, []string{responses[0]["wav"].(string)}, sink.delivered)
	})

	t.Run("failures do not change the response", func(t *testing.T) {
		t.Parallel()

		sink := &mockSink{deliverShouldFail: true}
		rec := metrics.NewRecorder("test")
		h := newHarness(t, &mockSynthesizer{}, worker.Defaults{}, worker.WithSink(sink), worker.WithMetrics(rec))

		responses := h.run(t, `{"id":1,"text":"a"}`)
		require.Len(t, responses, 1)
		assert.Equal(t, true, responses[0]["ok"])
		assert.FileExists(t, responses[0]["wav"].(string))
		assert.Len(t, sink.delivered, 1)
	})
}

func TestRun_Normalizer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &mockSynthesizer{}, worker.Defaults{}, worker.WithNormalizer(strings.ToUpper))
	h.run(t, `{"text":"quiet"}`)

	calls := h.engine.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "QUIET", calls[0].Text)
}

func TestRun_OutputFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &mockSynthesizer{}, worker.Defaults{})

	err := h.worker.Run(t.Context(), strings.NewReader(`{"text":"a"}`+"\n"), failingWriter{})
	require.ErrorIs(t, err, errMockWrite)
}
