package synth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execSynth struct {
	cmd []string
	mu  sync.Mutex
}

type execRequest struct {
	Text   string  `json:"text"`
	Voice  string  `json:"voice"`
	Speed  float64 `json:"speed"`
	Format string  `json:"format"`
}

type execResponse struct {
	AudioBase64 string `json:"audio_base64"`
	MimeType    string `json:"mime_type,omitempty"`
}

// NewExecSynth builds a Synthesizer that shells out to a provider command,
// writing a JSON request on stdin and reading a JSON response from stdout.
func NewExecSynth(command string) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse synthesis command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("synthesis command empty")
	}
	return &execSynth{cmd: args}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload := execRequest{
		Text:   req.Text,
		Voice:  req.Voice,
		Speed:  req.Speed,
		Format: req.Format,
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return Result{}, &SynthesisError{Provider: "exec", Err: err}
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return Result{}, &SynthesisError{Provider: "exec", Err: fmt.Errorf("decode response: %w", err)}
	}
	audio, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
	if err != nil {
		return Result{}, &SynthesisError{Provider: "exec", Err: fmt.Errorf("decode audio: %w", err)}
	}
	if len(audio) == 0 {
		return Result{}, &SynthesisError{Provider: "exec", Err: fmt.Errorf("empty audio payload")}
	}

	mime := resp.MimeType
	if mime == "" {
		mime = MimeForFormat(req.Format)
	}
	return Result{Audio: audio, MimeType: mime}, nil
}
