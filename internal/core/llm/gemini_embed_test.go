package llm

import (
	"errors"
	"testing"

	"github.com/google/generative-ai-go/genai"

	"github.com/markdave123-py/lumen/internal/core"
)

func TestVectorsFromBatch(t *testing.T) {
	ok := []*genai.ContentEmbedding{{Values: []float32{1, 0, 0}}, {Values: []float32{0, 1, 0}}}
	got, err := vectorsFromBatch(ok, 2, 3)
	if err != nil || len(got) != 2 || got[1][1] != 1 {
		t.Fatalf("vectorsFromBatch = %v, %v", got, err)
	}
	if _, err := vectorsFromBatch(ok, 2, 0); err != nil {
		t.Fatalf("dim 0 should skip the check: %v", err)
	}

	cases := map[string]struct {
		in   []*genai.ContentEmbedding
		want int
	}{
		"short batch":   {in: ok[:1], want: 2},
		"wrong dim":     {in: []*genai.ContentEmbedding{{Values: []float32{1, 0}}}, want: 1},
		"nil embedding": {in: []*genai.ContentEmbedding{nil}, want: 1},
	}
	for name, tc := range cases {
		_, err := vectorsFromBatch(tc.in, tc.want, 3)
		var ee *core.EmbeddingError
		if !errors.As(err, &ee) || ee.Kind != core.EmbedProviderError {
			t.Fatalf("%s: expected PROVIDER_ERROR, got %v", name, err)
		}
	}
}
