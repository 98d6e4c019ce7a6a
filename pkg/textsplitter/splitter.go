// Package textsplitter cuts embedding body text into bounded chunks,
// preferring paragraph, line, sentence and word boundaries in that order.
package textsplitter

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Config bounds chunk length in runes.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
}

// DefaultConfig matches the VECTOR_CHUNK_SIZE / VECTOR_CHUNK_OVERLAP defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:    2000,
		ChunkOverlap: 200,
	}
}

func (c Config) normalized() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultConfig().ChunkSize
	}
	if c.ChunkOverlap < 0 {
		c.ChunkOverlap = 0
	}
	if c.ChunkOverlap >= c.ChunkSize {
		c.ChunkOverlap = c.ChunkSize / 5
	}
	return c
}

var separators = []string{"\n\n", "\n", ". ", " "}

// Split returns the trimmed chunks of text. Blank text yields a single empty
// chunk, so callers can always label the first chunk "1/N".
func Split(text string, cfg Config) []string {
	cfg = cfg.normalized()
	chunks := split(strings.TrimSpace(text), separators, cfg)
	if len(chunks) == 0 {
		return []string{""}
	}
	return chunks
}

func split(text string, seps []string, cfg Config) []string {
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= cfg.ChunkSize {
		return []string{text}
	}
	if len(seps) == 0 {
		return hardSplit(text, cfg)
	}

	sep := seps[0]
	parts := strings.Split(text, sep)
	if len(parts) == 1 {
		return split(text, seps[1:], cfg)
	}

	var (
		out     []string
		current strings.Builder
	)
	flush := func() {
		chunk := strings.TrimSpace(current.String())
		current.Reset()
		if chunk == "" {
			return
		}
		if utf8.RuneCountInString(chunk) > cfg.ChunkSize {
			out = append(out, split(chunk, seps[1:], cfg)...)
		} else {
			out = append(out, chunk)
		}
		if tail := overlapTail(chunk, cfg.ChunkOverlap); tail != "" {
			current.WriteString(tail)
			current.WriteString(sep)
		}
	}

	for i, part := range parts {
		piece := part
		if i < len(parts)-1 {
			piece += sep
		}
		pieceLen := utf8.RuneCountInString(piece)
		if current.Len() > 0 && utf8.RuneCountInString(current.String())+pieceLen > cfg.ChunkSize {
			flush()
			// no room for the overlap in front of this piece
			if utf8.RuneCountInString(current.String())+pieceLen > cfg.ChunkSize {
				current.Reset()
			}
		}
		current.WriteString(piece)
	}
	if chunk := strings.TrimSpace(current.String()); chunk != "" {
		if utf8.RuneCountInString(chunk) > cfg.ChunkSize {
			out = append(out, split(chunk, seps[1:], cfg)...)
		} else {
			out = append(out, chunk)
		}
	}
	return out
}

// hardSplit cuts text with no usable separator into ChunkSize windows that
// step by ChunkSize-ChunkOverlap.
func hardSplit(text string, cfg Config) []string {
	runes := []rune(text)
	step := cfg.ChunkSize - cfg.ChunkOverlap

	var out []string
	for start := 0; start < len(runes); start += step {
		end := min(start+cfg.ChunkSize, len(runes))
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			out = append(out, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return out
}

// overlapTail returns at most size trailing runes of text, starting on a
// word boundary.
func overlapTail(text string, size int) string {
	if size <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= size {
		return ""
	}
	start := len(runes) - size
	for start < len(runes) && !unicode.IsSpace(runes[start]) {
		start++
	}
	return strings.TrimSpace(string(runes[start:]))
}
