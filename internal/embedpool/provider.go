package embedpool

import (
	"context"
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// Embedding is one vector returned by a Provider.
type Embedding struct {
	Vector     []float32
	Dimensions int
	Model      string
	Usage      Usage
}

// Usage reports provider-side accounting for one embed call. Real HTTP
// providers typically report token counts here; the mock provider leaves
// it zero.
type Usage struct {
	PromptTokens int
	TotalTokens  int
}

// Provider is the single-method abstraction the pool depends on (§4.H:
// "a single method embed(text) -> {embedding, dimensions, model, usage}").
// Downstream code never depends on a concrete provider, only this
// interface, so swapping in an HTTP-backed provider requires no pool
// changes.
type Provider interface {
	Embed(ctx context.Context, text string) (Embedding, error)
}

// MockProvider produces deterministic hash-derived vectors. It exists both
// for tests and as the fallback when the embedding application configures
// no real provider (§4.H).
type MockProvider struct {
	Dimensions int
	ModelName  string
}

// NewMockProvider constructs a MockProvider with the given vector
// dimension; zero takes the specification default of 384.
func NewMockProvider(dimensions int) *MockProvider {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &MockProvider{Dimensions: dimensions, ModelName: "mock-hash-embedding-v1"}
}

// Embed derives a deterministic vector from text's BLAKE3 hash: the hash
// is used as an XOF-style byte stream, reinterpreted 4 bytes at a time as
// a uint32 and mapped into [-1, 1]. Identical text always yields an
// identical vector, which is what the mock provider's tests and the
// pool's idempotence invariant (§8: "processing a file twice yields
// identical root_hash") depend on for the embedding side of the pipeline.
func (p *MockProvider) Embed(_ context.Context, text string) (Embedding, error) {
	vec := make([]float32, p.Dimensions)
	h := blake3.New()
	_, _ = h.WriteString(text)
	block := h.Sum(nil)

	stream := block
	for i := 0; i < p.Dimensions; i++ {
		if len(stream) < 4 {
			next := blake3.New()
			_, _ = next.Write(block)
			block = next.Sum(nil)
			stream = block
		}
		u := binary.BigEndian.Uint32(stream[:4])
		stream = stream[4:]
		vec[i] = (float32(u)/float32(^uint32(0)))*2 - 1
	}

	return Embedding{
		Vector:     vec,
		Dimensions: p.Dimensions,
		Model:      p.ModelName,
	}, nil
}
