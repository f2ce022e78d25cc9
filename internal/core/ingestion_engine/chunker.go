package ingestion_engine

import (
	"fmt"
	"strings"
)

// MinChunkChars is the trimmed length a window must exceed to be kept.
const MinChunkChars = 50

// ValidateChunking rejects window settings that would never advance.
func ValidateChunking(size, overlap int) error {
	if size <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return fmt.Errorf("chunk overlap must be in [0, %d), got %d", size, overlap)
	}
	return nil
}

// ChunkText splits text into overlapping windows of size characters, each starting
// size-overlap after the previous one. Windows are trimmed and dropped unless they
// hold more than MinChunkChars characters. Offsets count runes, so multi-byte text
// is never cut inside a character. Invalid settings yield nil.
func ChunkText(text string, size, overlap int) []string {
	if ValidateChunking(size, overlap) != nil {
		return nil
	}
	runes := []rune(text)
	step := size - overlap

	var out []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		piece := strings.TrimSpace(string(runes[start:end]))
		if len([]rune(piece)) > MinChunkChars {
			out = append(out, piece)
		}
	}
	return out
}

// truncateRunes cuts s to at most n characters.
func truncateRunes(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
