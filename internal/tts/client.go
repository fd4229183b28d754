package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// API endpoints of the Coqui TTS servers.
const (
	apiStandardSpeech = "/api/tts"
	apiDetails        = "/details"
	apiXTTSSpeech     = "/tts_to_audio/"
	apiStudioSpeakers = "/studio_speakers"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeWAV    = "audio/wav"
)

// Default values.
const (
	defaultLanguage = "en"
	maxErrorBody    = 4096
)

// Error messages.
const (
	errFmtServiceErrorWithCode = "TTS server error (%s): %s (code: %s)"
	errFmtServiceNonOKStatus   = "TTS server returned non-OK status: %s, body: %s"
)

// ErrReceivedEmptyAudio is returned when the server answers 200 with no body.
var ErrReceivedEmptyAudio = errors.New("received empty audio data")

// HTTPClient talks to a running Coqui TTS server. The model lives in the
// server process; this client only carries text in and WAV bytes out.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

// XTTSRequest is the JSON body of POST /tts_to_audio/.
type XTTSRequest struct {
	// Text contains the input text to convert to speech.
	Text string `json:"text"`

	// SpeakerWav names the reference voice sample, as a path on the server.
	SpeakerWav string `json:"speaker_wav"`

	// Language is the target language code. Defaults to "en".
	Language string `json:"language"`
}

// ServerDetails is the model description returned by GET /details.
type ServerDetails struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// ErrorResponse represents a structured error body from the server.
type ErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// NewHTTPClient creates a client for the server at baseURL (e.g. "http://localhost:5002").
// A zero timeout leaves requests unbounded.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SynthesizeStandard calls GET /api/tts and returns the WAV body.
func (c *HTTPClient) SynthesizeStandard(ctx context.Context, text, language string) ([]byte, error) {
	params := url.Values{}
	params.Set("text", text)

	if language != "" {
		params.Set("language_id", language)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		c.baseURL+apiStandardSpeech+"?"+params.Encode(),
		http.NoBody,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerAccept, contentTypeWAV)

	return c.fetchAudio(httpReq)
}

// SynthesizeXTTS calls POST /tts_to_audio/ and returns the WAV body.
func (c *HTTPClient) SynthesizeXTTS(ctx context.Context, req XTTSRequest) ([]byte, error) {
	if req.Language == "" {
		req.Language = defaultLanguage
	}

	requestBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+apiXTTSSpeech,
		bytes.NewReader(requestBody),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeWAV)

	return c.fetchAudio(httpReq)
}

// Details fetches the model description of a standard server. The second
// return value is false when the server answered 200 with something other
// than the expected JSON document.
func (c *HTTPClient) Details(ctx context.Context) (ServerDetails, bool, error) {
	body, err := c.get(ctx, apiDetails)
	if err != nil {
		return ServerDetails{}, false, err
	}

	var details ServerDetails

	err = parseJSON(body, &details)
	if err != nil {
		return ServerDetails{}, false, nil
	}

	return details, true, nil
}

// StudioSpeakers lists the built-in voices of an XTTS server.
func (c *HTTPClient) StudioSpeakers(ctx context.Context) ([]string, error) {
	body, err := c.get(ctx, apiStudioSpeakers)
	if err != nil {
		return nil, err
	}

	var raw map[string]json.RawMessage

	err = parseJSON(body, &raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode studio speakers: %w", err)
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}

	return names, nil
}

func (c *HTTPClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set(headerAccept, contentTypeJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s at %s: %w", path, c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", path, err)
	}

	return body, nil
}

func (c *HTTPClient) fetchAudio(httpReq *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to send request to TTS server at %s: %w",
			c.baseURL,
			err,
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audioData) == 0 {
		return nil, ErrReceivedEmptyAudio
	}

	return audioData, nil
}

// parseErrorResponse prefers a structured {"detail": ...} body and falls back
// to the raw body so diagnostics are not lost.
func (c *HTTPClient) parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var errorResp ErrorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Detail != "" {
		return fmt.Errorf(errFmtServiceErrorWithCode,
			resp.Status, errorResp.Detail, errorResp.ErrorCode)
	}

	return fmt.Errorf(
		errFmtServiceNonOKStatus,
		resp.Status,
		strings.TrimSpace(string(body)),
	)
}

func parseJSON(data []byte, target any) error {
	err := json.Unmarshal(data, target)
	if err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	return nil
}
