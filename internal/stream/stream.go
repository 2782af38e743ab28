package stream

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Layer is one named entry of the residual stream.
type Layer struct {
	Name  string
	State *mat.Dense
}

// ResidualStream is the ordered sequence of a model's internal hidden states
// produced by one forward pass: the embedding output, then each non-final
// layer's output. It is scoped to a single training step.
type ResidualStream struct {
	layers []Layer
}

// New builds a stream from the embedding output and the non-final layer
// outputs, in layer order.
func New(embeddings *mat.Dense, hiddens []*mat.Dense) ResidualStream {
	layers := make([]Layer, 0, 1+len(hiddens))
	layers = append(layers, Layer{Name: LayerName(0), State: embeddings})
	for i, h := range hiddens {
		layers = append(layers, Layer{Name: LayerName(i + 1), State: h})
	}
	return ResidualStream{layers: layers}
}

// LayerName returns the stream name for layer index i: "input" for the
// embedding output, then "h.0", "h.1", and so on.
func LayerName(i int) string {
	if i == 0 {
		return "input"
	}
	return fmt.Sprintf("h.%d", i-1)
}

func (s ResidualStream) Len() int {
	return len(s.layers)
}

func (s ResidualStream) Layer(i int) Layer {
	return s.layers[i]
}
