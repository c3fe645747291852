// Package projection maps embeddings between vector sizes so vectors from
// different models can share one index.
package projection

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"archcanvas/llmservice/internal/log"
	"archcanvas/llmservice/internal/telemetry"
)

// Method selects the projection strategy.
type Method string

const (
	Learned     Method = "learned"
	Interpolate Method = "interpolate"
	Pad         Method = "pad"
)

// Projector maps vectors of InputDim onto unit vectors of OutputDim.
type Projector struct {
	inputDim  int
	outputDim int
	method    Method
	store     WeightStore
	key       string
	metrics   *telemetry.Metrics

	mu          sync.RWMutex
	rng         *rand.Rand
	weights     *Weights
	initialized bool
	source      string
}

// Option configures a Projector.
type Option func(*Projector)

// WithSeed makes weight generation deterministic.
func WithSeed(seed uint64) Option {
	return func(p *Projector) { p.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// WithMetrics counts degraded projections.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Projector) { p.metrics = m }
}

// New creates a Projector. A nil store keeps learned weights in process only.
// Weights are stored under "<keyPrefix>:<in>:<out>".
func New(inputDim, outputDim int, method Method, store WeightStore, keyPrefix string, opts ...Option) *Projector {
	seed := uint64(time.Now().UnixNano())
	p := &Projector{
		inputDim:  inputDim,
		outputDim: outputDim,
		method:    method,
		store:     store,
		key:       fmt.Sprintf("%s:%d:%d", keyPrefix, inputDim, outputDim),
		rng:       rand.New(rand.NewPCG(seed, seed>>1)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Projector) InputDim() int  { return p.inputDim }
func (p *Projector) OutputDim() int { return p.outputDim }
func (p *Projector) Method() Method { return p.method }

// Initialize prepares learned weights: it adopts weights already in the store,
// otherwise generates a matrix and publishes it with get-or-set, keeping
// whichever matrix the store ends up holding. Store failures leave the
// projector on in-process weights and are returned for logging. Calling
// Initialize again is a no-op.
func (p *Projector) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}
	p.initialized = true
	if p.method != Learned {
		return nil
	}

	if p.store != nil {
		data, err := p.store.Get(ctx, p.key)
		if err != nil {
			log.WarnLogger.Printf("Projection weight store unavailable: %v", err)
		} else if data != nil {
			w, err := decodeWeights(data, p.inputDim, p.outputDim)
			if err == nil {
				p.weights, p.source = w, "store"
				log.InfoLogger.Printf("📐 Loaded projection weights %s", p.key)
				return nil
			}
			log.WarnLogger.Printf("Discarding stored projection weights %s: %v", p.key, err)
		}
	}

	generated := generateWeights(p.inputDim, p.outputDim, p.rng)
	p.weights, p.source = generated, "generated"
	log.InfoLogger.Printf("📐 Generated projection weights %d→%d", p.inputDim, p.outputDim)

	if p.store == nil {
		return nil
	}
	encoded, err := encodeWeights(generated)
	if err != nil {
		return err
	}
	stored, err := p.store.GetOrSet(ctx, p.key, encoded)
	if err != nil {
		return fmt.Errorf("persist projection weights: %w", err)
	}
	if !bytes.Equal(stored, encoded) {
		w, err := decodeWeights(stored, p.inputDim, p.outputDim)
		if err != nil {
			return fmt.Errorf("adopt stored projection weights: %w", err)
		}
		p.weights, p.source = w, "store"
		log.InfoLogger.Printf("📐 Adopted projection weights published by another process")
	}
	return nil
}

// Project maps vec onto a unit vector of OutputDim. It never fails: a wrong
// input size is tiled or truncated, and a panic or non-finite result yields a
// random unit vector.
func (p *Projector) Project(vec []float32) (out []float32) {
	defer func() {
		if r := recover(); r != nil {
			log.WarnLogger.Printf("Projection failed, using random vector: %v", r)
			p.metrics.ProjectionDegraded(context.Background(), "random")
			out = randomUnit(p.outputDim)
		}
	}()

	if len(vec) == 0 {
		log.WarnLogger.Printf("Projection of empty vector, using random vector")
		p.metrics.ProjectionDegraded(context.Background(), "random")
		return randomUnit(p.outputDim)
	}

	if len(vec) != p.inputDim {
		log.ErrorLogger.Printf("Projection dimension mismatch: expected %d, got %d", p.inputDim, len(vec))
		return p.emergency(vec)
	}

	var projected []float32
	switch p.method {
	case Learned:
		p.mu.RLock()
		w := p.weights
		p.mu.RUnlock()
		if w == nil {
			log.ErrorLogger.Printf("Projection weights not initialized for %s", p.key)
			return p.emergency(vec)
		}
		projected = w.apply(vec)
	case Interpolate:
		projected = interpolate(vec, p.outputDim)
	case Pad:
		projected = tile(vec, p.outputDim)
	default:
		panic(fmt.Sprintf("unknown projection method %q", p.method))
	}

	return p.finish(normalize(projected))
}

func (p *Projector) emergency(vec []float32) []float32 {
	p.metrics.ProjectionDegraded(context.Background(), "emergency")
	return p.finish(normalize(tile(vec, p.outputDim)))
}

func (p *Projector) finish(vec []float32) []float32 {
	for _, v := range vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			log.WarnLogger.Printf("Projection produced non-finite values, using random vector")
			p.metrics.ProjectionDegraded(context.Background(), "random")
			return randomUnit(p.outputDim)
		}
	}
	return vec
}

// Info describes the projector for diagnostics.
func (p *Projector) Info() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return map[string]any{
		"input_dim":   p.inputDim,
		"output_dim":  p.outputDim,
		"method":      string(p.method),
		"initialized": p.initialized,
		"weights":     p.source,
		"key":         p.key,
	}
}

// tile repeats vec until it is n long, or truncates it.
func tile(vec []float32, n int) []float32 {
	out := make([]float32, n)
	if len(vec) == 0 {
		return out
	}
	for i := range out {
		out[i] = vec[i%len(vec)]
	}
	return out
}

// interpolate resamples vec to n values: linear interpolation when growing,
// bucket averages when shrinking.
func interpolate(vec []float32, n int) []float32 {
	in := len(vec)
	out := make([]float32, n)
	switch {
	case n == in:
		copy(out, vec)
	case n > in:
		for i := range out {
			idx := float64(i) * float64(in) / float64(n)
			lo := int(math.Floor(idx))
			hi := min(lo+1, in-1)
			w := idx - float64(lo)
			out[i] = float32(float64(vec[lo])*(1-w) + float64(vec[hi])*w)
		}
	default:
		for i := range out {
			start := i * in / n
			end := (i + 1) * in / n
			if end <= start {
				end = start + 1
			}
			var sum float64
			for _, v := range vec[start:end] {
				sum += float64(v)
			}
			out[i] = float32(sum / float64(end-start))
		}
	}
	return out
}

// normalize scales vec to unit L2 norm in place; a zero vector is left as is.
func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		norm = 1
	}
	for i, v := range vec {
		vec[i] = float32(float64(v) / norm)
	}
	return vec
}

func randomUnit(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rand.NormFloat64())
	}
	return normalize(out)
}
