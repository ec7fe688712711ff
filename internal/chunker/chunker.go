package chunker

import (
	"strings"
	"time"

	"github.com/fableforge/fableforge-core/internal/config"
)

// Profile carries the per-provider limits that shape speakable chunks.
// Profiles are immutable after load; callers override per call by value.
type Profile struct {
	TargetSize        int
	MaxSize           int
	SentencesPerChunk int
	AudioFormat       string
	Seamless          bool
	ParagraphPause    time.Duration
}

// Segment is one speakable unit of narration: either a text chunk with its
// position in the batch, or a paragraph-break marker carrying only a pause.
type Segment struct {
	Sequence      int
	Text          string
	Size          int
	Pause         bool
	PauseDuration time.Duration
}

func ProfileFromConfig(cfg config.ChunkingConfig) Profile {
	return Profile{
		TargetSize:        cfg.TargetSize,
		MaxSize:           cfg.MaxSize,
		SentencesPerChunk: cfg.SentencesPerChunk,
		AudioFormat:       cfg.AudioFormat,
		Seamless:          cfg.Seamless,
		ParagraphPause:    time.Duration(cfg.ParagraphPauseMS) * time.Millisecond,
	}
}

func (p Profile) withDefaults() Profile {
	if p.TargetSize <= 0 {
		p.TargetSize = 280
	}
	if p.MaxSize < p.TargetSize {
		p.MaxSize = p.TargetSize
	}
	if p.SentencesPerChunk <= 0 {
		p.SentencesPerChunk = 4
	}
	if p.AudioFormat == "" {
		p.AudioFormat = "wav"
	}
	if p.ParagraphPause <= 0 {
		p.ParagraphPause = 650 * time.Millisecond
	}
	return p
}

// Chunk splits narration text into ordered speakable segments. Paragraphs are
// separated by blank lines; sentences within a paragraph accumulate greedily
// until adding another would exceed MaxSize, or the chunk holds at least
// SentencesPerChunk sentences and has reached TargetSize. A pause marker is
// emitted between paragraphs, never after the last one; Seamless profiles
// skip pause markers entirely. A single sentence
// longer than MaxSize stays whole in its own chunk; content is never cut.
// Deterministic and side-effect free: equal input and profile always yield
// the same segment list. Whitespace-only input yields nil.
func Chunk(text string, p Profile) []Segment {
	p = p.withDefaults()

	var out []Segment
	seq := 0
	emitted := false

	for _, para := range splitParagraphs(text) {
		sentences := splitSentences(para)
		if len(sentences) == 0 {
			continue
		}
		if emitted && !p.Seamless {
			out = append(out, Segment{Pause: true, PauseDuration: p.ParagraphPause})
		}
		emitted = true

		var current strings.Builder
		count := 0
		flush := func() {
			if current.Len() == 0 {
				return
			}
			chunkText := current.String()
			out = append(out, Segment{Sequence: seq, Text: chunkText, Size: len(chunkText)})
			seq++
			current.Reset()
			count = 0
		}

		for _, sentence := range sentences {
			if current.Len() > 0 && current.Len()+1+len(sentence) > p.MaxSize {
				flush()
			}
			if current.Len() > 0 {
				current.WriteByte(' ')
			}
			current.WriteString(sentence)
			count++
			if count >= p.SentencesPerChunk && current.Len() >= p.TargetSize {
				flush()
			}
		}
		flush()
	}

	return out
}

// splitParagraphs breaks text on blank lines, collapsing intra-paragraph
// whitespace to single spaces.
func splitParagraphs(text string) []string {
	var paragraphs []string
	var lines []string

	endParagraph := func() {
		if len(lines) == 0 {
			return
		}
		joined := strings.Join(strings.Fields(strings.Join(lines, " ")), " ")
		if joined != "" {
			paragraphs = append(paragraphs, joined)
		}
		lines = nil
	}

	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			endParagraph()
			continue
		}
		lines = append(lines, line)
	}
	endParagraph()

	return paragraphs
}

// splitSentences breaks a normalized paragraph into sentences on `.`, `!` or
// `?` followed by whitespace. The terminator stays with its sentence; runs
// like ellipses stay together because only the final mark precedes a space.
func splitSentences(para string) []string {
	var sentences []string
	runes := []rune(para)
	start := 0

	for i := 0; i < len(runes); i++ {
		if !isTerminator(runes[i]) {
			continue
		}
		atEnd := i == len(runes)-1
		if !atEnd && runes[i+1] != ' ' {
			continue
		}
		sentence := strings.TrimSpace(string(runes[start : i+1]))
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = i + 1
	}
	if start < len(runes) {
		tail := strings.TrimSpace(string(runes[start:]))
		if tail != "" {
			sentences = append(sentences, tail)
		}
	}

	return sentences
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
