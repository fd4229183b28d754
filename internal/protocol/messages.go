// Package protocol defines the line-delimited JSON messages exchanged between
// the worker and its supervisor over stdin and stdout.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// CmdQuit is the one reserved command value.
const CmdQuit = "quit"

const (
	errEmptyText     = "empty text"
	errFmtBadJSON    = "bad json: %v"
	defaultRequestID = "0"
)

// ErrNotObject is returned when a request line is valid JSON but not an object.
var ErrNotObject = errors.New("request must be a JSON object")

// Request is one parsed input line.
type Request struct {
	// ID is echoed verbatim in the response. It is "0" when the line had no id.
	ID json.RawMessage
	// Text, Cmd, SpeakerWav and Language are empty when the field was
	// missing or not a JSON string.
	Text       string
	Cmd        string
	SpeakerWav string
	Language   string
}

type wireRequest struct {
	ID         json.RawMessage `json:"id"`
	Text       json.RawMessage `json:"text"`
	Cmd        json.RawMessage `json:"cmd"`
	SpeakerWav json.RawMessage `json:"speaker_wav"`
	Language   json.RawMessage `json:"language"`
}

// ParseRequest decodes one request line.
func ParseRequest(line []byte) (Request, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) > 0 && trimmed[0] != '{' && json.Valid(trimmed) {
		return Request{}, ErrNotObject
	}

	var wire wireRequest

	err := json.Unmarshal(trimmed, &wire)
	if err != nil {
		return Request{}, fmt.Errorf("failed to decode request: %w", err)
	}

	req := Request{
		ID:         wire.ID,
		Text:       rawString(wire.Text),
		Cmd:        rawString(wire.Cmd),
		SpeakerWav: rawString(wire.SpeakerWav),
		Language:   rawString(wire.Language),
	}
	if len(req.ID) == 0 {
		req.ID = json.RawMessage(defaultRequestID)
	}

	return req, nil
}

// rawString returns the decoded value when raw holds a JSON string and "" otherwise.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string

	err := json.Unmarshal(raw, &s)
	if err != nil {
		return ""
	}

	return s
}

// IsQuit reports whether the request asks the worker to shut down.
func (r Request) IsQuit() bool {
	return r.Cmd == CmdQuit
}

// HasText reports whether there is anything to synthesize.
func (r Request) HasText() bool {
	return strings.TrimSpace(r.Text) != ""
}

// Response is one output line. Field order matches the documented wire format.
type Response struct {
	ID    json.RawMessage `json:"id,omitempty"`
	OK    bool            `json:"ok"`
	Wav   string          `json:"wav,omitempty"`
	Bye   bool            `json:"bye,omitempty"`
	Error string          `json:"error,omitempty"`
}

// ParseFailure reports a line that could not be decoded. It carries no id.
func ParseFailure(err error) Response {
	return Response{OK: false, Error: fmt.Sprintf(errFmtBadJSON, parseDetail(err))}
}

// parseDetail strips our own wrapping so the message shows the decoder's complaint.
func parseDetail(err error) error {
	inner := errors.Unwrap(err)
	if inner != nil {
		return inner
	}

	return err
}

// Goodbye acknowledges a quit command.
func Goodbye() Response {
	return Response{OK: true, Bye: true}
}

// EmptyText rejects a request with nothing to say.
func EmptyText(id json.RawMessage) Response {
	return Response{ID: id, OK: false, Error: errEmptyText}
}

// Success reports a generated file.
func Success(id json.RawMessage, path string) Response {
	return Response{ID: id, OK: true, Wav: path}
}

// Failure reports a synthesis error.
func Failure(id json.RawMessage, err error) Response {
	msg := "synthesis failed"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}

	return Response{ID: id, OK: false, Error: msg}
}

// Ready is the one-time startup line.
type Ready struct {
	Ready bool   `json:"ready"`
	Model string `json:"model,omitempty"`
	GPU   *bool  `json:"gpu,omitempty"`
	Error string `json:"error,omitempty"`
}

// ReadyOK announces a loaded engine.
func ReadyOK(model string, gpu bool) Ready {
	return Ready{Ready: true, Model: model, GPU: &gpu}
}

// ReadyFailed announces a setup failure.
func ReadyFailed(err error) Ready {
	return Ready{Ready: false, Error: err.Error()}
}

// Result is the outcome of one synthesis step: a path on success, an error otherwise.
type Result struct {
	Path string
	Err  error
}

// OK reports whether the step produced a file.
func (r Result) OK() bool {
	return r.Err == nil
}
