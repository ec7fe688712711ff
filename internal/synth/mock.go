package synth

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"
)

type mockSynth struct {
	sampleRate int
	latency    time.Duration
}

// NewMockSynth returns a Synthesizer producing short silent WAV clips,
// sized roughly to the text so playback timing stays plausible in tests
// and local development.
func NewMockSynth() Synthesizer {
	return &mockSynth{sampleRate: 22050, latency: 10 * time.Millisecond}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, &SynthesisError{Provider: "mock", Err: ctx.Err()}
	case <-time.After(m.latency):
	}

	ms := 40 + 2*len(req.Text)
	if ms > 500 {
		ms = 500
	}
	return Result{
		Audio:    silentWAV(m.sampleRate, ms),
		MimeType: "audio/wav",
	}, nil
}

// silentWAV renders a 16-bit mono PCM WAV of the given length.
func silentWAV(sampleRate, ms int) []byte {
	samples := sampleRate * ms / 1000
	dataLen := samples * 2

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataLen))
	buf.Write(make([]byte, dataLen))
	return buf.Bytes()
}
