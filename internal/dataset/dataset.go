package dataset

import (
	"fmt"
	"math/rand"

	"tunedlens/internal/model"
)

// Dataset is a tokenized dataset of fixed-length samples. Non-uniform sample
// lengths are rejected at construction, before any training work begins.
type Dataset struct {
	samples         [][]int
	tokensPerSample int
}

func New(samples [][]int) (*Dataset, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: dataset is empty", model.ErrConfig)
	}
	tokensPerSample := len(samples[0])
	if tokensPerSample == 0 {
		return nil, fmt.Errorf("%w: samples are empty", model.ErrConfig)
	}
	for i, s := range samples {
		if len(s) != tokensPerSample {
			return nil, fmt.Errorf("%w: non-uniform sample length: sample %d has %d tokens, want %d",
				model.ErrConfig, i, len(s), tokensPerSample)
		}
	}
	return &Dataset{samples: samples, tokensPerSample: tokensPerSample}, nil
}

func (d *Dataset) Len() int {
	return len(d.samples)
}

func (d *Dataset) TokensPerSample() int {
	return d.tokensPerSample
}

// Shuffled returns a copy of the dataset with samples permuted
// deterministically by seed. Sample slices are shared, not copied.
func (d *Dataset) Shuffled(seed int64) *Dataset {
	rng := rand.New(rand.NewSource(seed))
	shuffled := make([][]int, len(d.samples))
	copy(shuffled, d.samples)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return &Dataset{samples: shuffled, tokensPerSample: d.tokensPerSample}
}

// Shard returns the strided shard of the dataset owned by rank. Every worker
// must shard with the same world size so shards are disjoint and cover the
// dataset.
func (d *Dataset) Shard(rank, worldSize int) (*Dataset, error) {
	if worldSize <= 0 || rank < 0 || rank >= worldSize {
		return nil, fmt.Errorf("%w: invalid shard rank %d of %d", model.ErrConfig, rank, worldSize)
	}
	if worldSize == 1 {
		return d, nil
	}
	shard := make([][]int, 0, (len(d.samples)+worldSize-1)/worldSize)
	for i := rank; i < len(d.samples); i += worldSize {
		shard = append(shard, d.samples[i])
	}
	if len(shard) == 0 {
		return nil, fmt.Errorf("%w: shard %d of %d is empty", model.ErrConfig, rank, worldSize)
	}
	return &Dataset{samples: shard, tokensPerSample: d.tokensPerSample}, nil
}

// Iterator cycles through the dataset in order, wrapping around at the end.
type Iterator struct {
	data *Dataset
	next int
}

func (d *Dataset) Iterator() *Iterator {
	return &Iterator{data: d}
}

// Next returns the next batch of size samples, wrapping to the start of the
// dataset as needed.
func (it *Iterator) Next(size int) [][]int {
	batch := make([][]int, 0, size)
	for len(batch) < size {
		batch = append(batch, it.data.samples[it.next])
		it.next = (it.next + 1) % len(it.data.samples)
	}
	return batch
}
