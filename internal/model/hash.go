package model

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strconv"
	"strings"
)

// hashModel is a deterministic feature-hashing embedder. It has no weights to
// load and produces byte-identical vectors for identical inputs, which makes
// it the reference model for local runs and replay testing.
type hashModel struct {
	dimensions int
}

// newHashModel parses references like "hash://384" or "hash://dim=384".
func newHashModel(rest string) (Model, error) {
	dims := 384
	if rest != "" {
		value := strings.TrimPrefix(rest, "dim=")
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("invalid hash model dimensions %q", rest)
		}
		dims = parsed
	}
	return &hashModel{dimensions: dims}, nil
}

func (m *hashModel) Infer(_ context.Context, input map[string]any) (Output, error) {
	if len(input) == 0 {
		return Output{}, fmt.Errorf("empty input snapshot")
	}

	fields := make([]string, 0, len(input))
	for field := range input {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	vector := make([]float32, m.dimensions)
	for _, field := range fields {
		text := fmt.Sprintf("%v", input[field])
		for _, token := range strings.Fields(text) {
			h := fnv.New64a()
			h.Write([]byte(field))
			h.Write([]byte{0})
			h.Write([]byte(token))
			sum := h.Sum64()
			bucket := int(sum % uint64(m.dimensions))
			sign := float32(1)
			if sum&(1<<63) != 0 {
				sign = -1
			}
			vector[bucket] += sign
		}
	}

	var norm float64
	for _, v := range vector {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vector {
			vector[i] *= scale
		}
	}

	return Output{Vector: vector}, nil
}
