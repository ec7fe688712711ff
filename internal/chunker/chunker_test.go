package chunker

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestChunkTwoParagraphsWithPause(t *testing.T) {
	text := "Hello there. Welcome, traveler!\n\nThe door creaks open."
	p := Profile{TargetSize: 50, MaxSize: 60, SentencesPerChunk: 5}

	segments := Chunk(text, p)
	if len(segments) != 3 {
		t.Fatalf("expected 3 segments, got %d: %+v", len(segments), segments)
	}
	if segments[0].Pause || segments[2].Pause {
		t.Fatalf("expected text segments at positions 0 and 2: %+v", segments)
	}
	if !segments[1].Pause {
		t.Fatalf("expected pause marker between paragraphs: %+v", segments[1])
	}
	if segments[0].Text != "Hello there. Welcome, traveler!" {
		t.Fatalf("unexpected first chunk: %q", segments[0].Text)
	}
	if segments[2].Text != "The door creaks open." {
		t.Fatalf("unexpected second chunk: %q", segments[2].Text)
	}
	if segments[1].PauseDuration <= 0 {
		t.Fatalf("pause marker must carry a duration, got %v", segments[1].PauseDuration)
	}
}

func TestChunkSequencesContiguous(t *testing.T) {
	text := "One. Two. Three. Four. Five. Six.\n\nSeven. Eight.\n\nNine!"
	p := Profile{TargetSize: 10, MaxSize: 20, SentencesPerChunk: 2}

	segments := Chunk(text, p)
	want := 0
	for _, seg := range segments {
		if seg.Pause {
			continue
		}
		if seg.Sequence != want {
			t.Fatalf("expected sequence %d, got %d", want, seg.Sequence)
		}
		if seg.Size != len(seg.Text) {
			t.Fatalf("size %d does not match text length %d", seg.Size, len(seg.Text))
		}
		want++
	}
	if want == 0 {
		t.Fatal("expected at least one text segment")
	}
}

func TestChunkReconstructsSentenceOrder(t *testing.T) {
	text := "First thing. Second thing. Third thing. Fourth thing."
	p := Profile{TargetSize: 15, MaxSize: 30, SentencesPerChunk: 1}

	segments := Chunk(text, p)
	var parts []string
	for _, seg := range segments {
		if !seg.Pause {
			parts = append(parts, seg.Text)
		}
	}
	if got := strings.Join(parts, " "); got != text {
		t.Fatalf("reassembled text mismatch:\n got %q\nwant %q", got, text)
	}
}

func TestChunkFlushesAtMaxSize(t *testing.T) {
	long := strings.Repeat("a", 28)
	text := long + ". " + long + ". " + long + "."
	p := Profile{TargetSize: 50, MaxSize: 60, SentencesPerChunk: 5}

	segments := Chunk(text, p)
	if len(segments) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %+v", len(segments), segments)
	}
	for _, seg := range segments {
		if seg.Size > 60 {
			t.Fatalf("chunk exceeds max size: %d", seg.Size)
		}
	}
}

func TestChunkOversizeSentenceKeptWhole(t *testing.T) {
	sentence := strings.Repeat("word ", 40) + "end."
	p := Profile{TargetSize: 20, MaxSize: 40, SentencesPerChunk: 2}

	segments := Chunk(sentence, p)
	if len(segments) != 1 {
		t.Fatalf("expected a single oversize chunk, got %d", len(segments))
	}
	if segments[0].Size <= p.MaxSize {
		t.Fatalf("expected chunk larger than max size, got %d", segments[0].Size)
	}
	if !strings.HasSuffix(segments[0].Text, "end.") {
		t.Fatalf("content must never be truncated: %q", segments[0].Text)
	}
}

func TestChunkEmptyInput(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\n\t\n"} {
		if got := Chunk(text, Profile{}); got != nil {
			t.Fatalf("expected nil for %q, got %+v", text, got)
		}
	}
}

func TestChunkNoTrailingPause(t *testing.T) {
	text := "Alpha.\n\nBeta.\n\n\n"
	segments := Chunk(text, Profile{TargetSize: 10, MaxSize: 50, SentencesPerChunk: 3})
	if len(segments) == 0 {
		t.Fatal("expected segments")
	}
	if segments[len(segments)-1].Pause {
		t.Fatal("pause marker must not trail the final paragraph")
	}
}

func TestChunkSeamlessSkipsPauses(t *testing.T) {
	text := "Alpha.\n\nBeta.\n\nGamma."
	segments := Chunk(text, Profile{TargetSize: 10, MaxSize: 50, SentencesPerChunk: 3, Seamless: true})
	if len(segments) != 3 {
		t.Fatalf("expected 3 text segments, got %d", len(segments))
	}
	for _, seg := range segments {
		if seg.Pause {
			t.Fatalf("seamless profile must not emit pauses: %+v", seg)
		}
	}
}

func TestChunkDeterministic(t *testing.T) {
	text := "The cellar smells of old rain... A rat watches you! Do you descend?\n\nThe torch gutters."
	p := Profile{TargetSize: 30, MaxSize: 70, SentencesPerChunk: 2, ParagraphPause: 300 * time.Millisecond}

	first := Chunk(text, p)
	second := Chunk(text, p)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("chunking is not deterministic:\n%+v\n%+v", first, second)
	}
}
