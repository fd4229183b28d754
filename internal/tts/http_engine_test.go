package tts_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/tts-worker/internal/core"
	"github.com/book-expert/tts-worker/internal/tts"
	"github.com/book-expert/tts-worker/internal/tts/audio/audiotest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testModel     = "tts_models/en/ljspeech/vits"
	testXTTSModel = "tts_models/multilingual/multi-dataset/xtts_v2"
)

// newMockCoquiServer serves the subset of the Coqui server API the engine uses.
func newMockCoquiServer(t *testing.T, details string) *httptest.Server {
	t.Helper()

	wav := audiotest.WAV(22050, 64)

	mux := http.NewServeMux()
	mux.HandleFunc("/details", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(details))
	})
	mux.HandleFunc("/api/tts", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("text") == "garbage" {
			_, _ = w.Write([]byte("not a wav file at all"))

			return
		}

		_, _ = w.Write(wav)
	})
	mux.HandleFunc("/studio_speakers", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"Ana Florence":{}}`))
	})
	mux.HandleFunc("/tts_to_audio/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string

		err := json.NewDecoder(r.Body).Decode(&body)
		if err != nil || body["speaker_wav"] == "" {
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		_, _ = w.Write(wav)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server
}

func serverOptions(url, mode string) tts.Options {
	return tts.Options{
		Model:     testModel,
		ServerURL: url,
		APIMode:   mode,
		Timeout:   5 * time.Second,
		Logger:    zerolog.Nop(),
	}
}

func TestServerEngine_LoadStandard(t *testing.T) {
	t.Parallel()

	server := newMockCoquiServer(t, `{"model_name":"`+testModel+`"}`)

	engine, err := tts.Load(t.Context(), tts.BackendServer, serverOptions(server.URL, "standard"))
	require.NoError(t, err)

	defer func() { _ = engine.Close() }()

	info := engine.Info()
	assert.Equal(t, tts.BackendServer, info.Backend)
	assert.Equal(t, testModel, info.Model)
}

func TestServerEngine_LoadFailures(t *testing.T) {
	t.Parallel()

	mismatch := newMockCoquiServer(t, `{"model_name":"tts_models/de/thorsten/vits"}`)

	down := httptest.NewServer(http.NotFoundHandler())
	downURL := down.URL
	down.Close()

	tests := []struct {
		name    string
		opts    tts.Options
		wantErr error
	}{
		{name: "no url", opts: serverOptions("", ""), wantErr: tts.ErrServerURLEmpty},
		{name: "bad mode", opts: serverOptions(mismatch.URL, "grpc"), wantErr: tts.ErrAPIModeInvalid},
		{name: "model mismatch", opts: serverOptions(mismatch.URL, ""), wantErr: tts.ErrModelMismatch},
		{name: "xtts with non-xtts model", opts: serverOptions(mismatch.URL, "xtts"), wantErr: tts.ErrModelNotXTTS},
		{name: "unreachable", opts: serverOptions(downURL, "standard")},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			engine, err := tts.Load(t.Context(), tts.BackendServer, testCase.opts)
			require.Error(t, err)
			assert.Nil(t, engine)
			assert.Contains(t, err.Error(), tts.BackendServer)

			if testCase.wantErr != nil {
				require.ErrorIs(t, err, testCase.wantErr)
			}
		})
	}
}

func TestServerEngine_LoadNonJSONDetails(t *testing.T) {
	t.Parallel()

	server := newMockCoquiServer(t, "<html>TTS</html>")

	engine, err := tts.Load(t.Context(), tts.BackendServer, serverOptions(server.URL, ""))
	require.NoError(t, err)
	require.NotNil(t, engine)
}

func TestServerEngine_SynthesizeStandard(t *testing.T) {
	t.Parallel()

	server := newMockCoquiServer(t, `{"model_name":"`+testModel+`"}`)

	engine, err := tts.Load(t.Context(), tts.BackendServer, serverOptions(server.URL, "standard"))
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "out.wav")

	err = engine.Synthesize(t.Context(), core.SynthesisRequest{Text: "Hello", OutputPath: out})
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, audiotest.WAV(22050, 64), data)
}

func TestServerEngine_SynthesizeErrors(t *testing.T) {
	t.Parallel()

	server := newMockCoquiServer(t, `{}`)

	engine, err := tts.Load(t.Context(), tts.BackendServer, serverOptions(server.URL, "standard"))
	require.NoError(t, err)

	dir := t.TempDir()

	err = engine.Synthesize(t.Context(), core.SynthesisRequest{
		Text:       "Hello",
		OutputPath: filepath.Join(dir, "clone.wav"),
		SpeakerWav: "/voices/ref.wav",
	})
	require.ErrorIs(t, err, tts.ErrCloningUnsupported)

	err = engine.Synthesize(t.Context(), core.SynthesisRequest{Text: "", OutputPath: filepath.Join(dir, "a.wav")})
	require.ErrorIs(t, err, tts.ErrTextEmpty)

	err = engine.Synthesize(t.Context(), core.SynthesisRequest{Text: "Hello"})
	require.ErrorIs(t, err, tts.ErrOutputPathEmpty)

	garbage := filepath.Join(dir, "garbage.wav")
	err = engine.Synthesize(t.Context(), core.SynthesisRequest{Text: "garbage", OutputPath: garbage})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid audio")
	assert.NoFileExists(t, garbage)
}

func TestServerEngine_XTTS(t *testing.T) {
	t.Parallel()

	server := newMockCoquiServer(t, `{}`)

	opts := serverOptions(server.URL, "xtts")
	opts.Model = testXTTSModel

	engine, err := tts.Load(t.Context(), tts.BackendServer, opts)
	require.NoError(t, err)

	dir := t.TempDir()

	err = engine.Synthesize(t.Context(), core.SynthesisRequest{Text: "Hi", OutputPath: filepath.Join(dir, "a.wav")})
	require.ErrorIs(t, err, tts.ErrReferenceVoiceRequired)

	out := filepath.Join(dir, "b.wav")
	err = engine.Synthesize(t.Context(), core.SynthesisRequest{
		Text:       "Hi",
		OutputPath: out,
		SpeakerWav: "/voices/ref.wav",
		Language:   "fr",
	})
	require.NoError(t, err)
	assert.FileExists(t, out)
}

func TestParseAPIMode(t *testing.T) {
	t.Parallel()

	mode, err := tts.ParseAPIMode("")
	require.NoError(t, err)
	assert.Equal(t, tts.APIModeStandard, mode)

	mode, err = tts.ParseAPIMode("xtts")
	require.NoError(t, err)
	assert.Equal(t, tts.APIModeXTTS, mode)

	_, err = tts.ParseAPIMode("XTTS")
	require.ErrorIs(t, err, tts.ErrAPIModeInvalid)
}
