package projection

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand/v2"
)

// Weights is a dense out×in projection matrix (row-major) and bias.
type Weights struct {
	InputDim  int
	OutputDim int
	Matrix    []float32
	Bias      []float32
}

// generateWeights draws He-initialised weights, N(0,1)·sqrt(2/in), with zero bias.
func generateWeights(in, out int, rng *rand.Rand) *Weights {
	scale := math.Sqrt(2.0 / float64(in))
	matrix := make([]float32, in*out)
	for i := range matrix {
		matrix[i] = float32(rng.NormFloat64() * scale)
	}
	return &Weights{InputDim: in, OutputDim: out, Matrix: matrix, Bias: make([]float32, out)}
}

// apply computes x·Wᵀ + b.
func (w *Weights) apply(x []float32) []float32 {
	out := make([]float32, w.OutputDim)
	for j := 0; j < w.OutputDim; j++ {
		row := w.Matrix[j*w.InputDim : (j+1)*w.InputDim]
		var sum float64
		for k, v := range row {
			sum += float64(v) * float64(x[k])
		}
		out[j] = float32(sum) + w.Bias[j]
	}
	return out
}

// envelope is the persisted form. Matrix and Bias are little-endian float32 buffers.
type envelope struct {
	InputDim  int
	OutputDim int
	Matrix    []byte
	Bias      []byte
}

func float32sToBytes(values []float32) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func bytesToFloat32s(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("buffer length %d is not a multiple of 4", len(buf))
	}
	values := make([]float32, len(buf)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return values, nil
}

func encodeWeights(w *Weights) ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(envelope{
		InputDim:  w.InputDim,
		OutputDim: w.OutputDim,
		Matrix:    float32sToBytes(w.Matrix),
		Bias:      float32sToBytes(w.Bias),
	})
	if err != nil {
		return nil, fmt.Errorf("encode weights: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeWeights parses stored weights and checks them against the expected shape.
func decodeWeights(data []byte, in, out int) (*Weights, error) {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode weights: %w", err)
	}
	if env.InputDim != in || env.OutputDim != out {
		return nil, fmt.Errorf("stored weights are %d→%d, want %d→%d", env.InputDim, env.OutputDim, in, out)
	}
	matrix, err := bytesToFloat32s(env.Matrix)
	if err != nil {
		return nil, fmt.Errorf("decode matrix: %w", err)
	}
	bias, err := bytesToFloat32s(env.Bias)
	if err != nil {
		return nil, fmt.Errorf("decode bias: %w", err)
	}
	if len(matrix) != in*out || len(bias) != out {
		return nil, fmt.Errorf("stored weights have %d matrix and %d bias values, want %d and %d", len(matrix), len(bias), in*out, out)
	}
	return &Weights{InputDim: in, OutputDim: out, Matrix: matrix, Bias: bias}, nil
}
