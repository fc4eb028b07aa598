package vector

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"sort"
)

const (
	indexMagic   = "KGIX"
	indexVersion = 1
	headerSize   = len(indexMagic) + 1 + 4 + 4
)

// FlatIndex is an append-only, exact inner-product index. Vectors are stored
// contiguously in insertion order; position i always refers to the i-th vector added.
// FlatIndex is not safe for concurrent mutation; a loaded index is read-only
// and may be searched from many goroutines.
type FlatIndex struct {
	dimensions int
	data       []float32
}

// NewFlatIndex creates an empty index with the given dimension.
func NewFlatIndex(dimensions int) (*FlatIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &FlatIndex{dimensions: dimensions}, nil
}

// Dimensions returns the vector dimension of the index.
func (f *FlatIndex) Dimensions() int { return f.dimensions }

// Size returns the number of vectors in the index.
func (f *FlatIndex) Size() int { return len(f.data) / f.dimensions }

// Add appends vectors in order. Nothing is added if any vector has the wrong dimension.
func (f *FlatIndex) Add(vectors [][]float32) error {
	for i, v := range vectors {
		if len(v) != f.dimensions {
			return fmt.Errorf("%w: vector %d has %d, index expects %d", ErrDimensionMismatch, i, len(v), f.dimensions)
		}
	}
	f.data = slices.Grow(f.data, len(vectors)*f.dimensions)
	for _, v := range vectors {
		f.data = append(f.data, v...)
	}
	return nil
}

// Vector returns a copy of the vector at position i.
func (f *FlatIndex) Vector(i int) []float32 {
	out := make([]float32, f.dimensions)
	copy(out, f.data[i*f.dimensions:(i+1)*f.dimensions])
	return out
}

// Search returns up to k positions ordered by descending inner product with query.
// Ties keep insertion order.
func (f *FlatIndex) Search(query []float32, k int) ([]Result, error) {
	if len(query) != f.dimensions {
		return nil, fmt.Errorf("%w: query has %d, index expects %d", ErrDimensionMismatch, len(query), f.dimensions)
	}
	n := f.Size()
	if k <= 0 || n == 0 {
		return nil, nil
	}
	scores := make([]Result, n)
	for i := 0; i < n; i++ {
		scores[i] = Result{Position: i, Score: InnerProduct(query, f.data[i*f.dimensions:(i+1)*f.dimensions])}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
	if k > n {
		k = n
	}
	return scores[:k], nil
}

// MarshalBinary encodes the index as: magic "KGIX", version byte,
// uint32 dimension, uint32 count, then count*dimension little-endian float32 values.
func (f *FlatIndex) MarshalBinary() ([]byte, error) {
	out := make([]byte, headerSize+len(f.data)*4)
	copy(out, indexMagic)
	out[len(indexMagic)] = indexVersion
	binary.LittleEndian.PutUint32(out[5:9], uint32(f.dimensions))
	binary.LittleEndian.PutUint32(out[9:13], uint32(f.Size()))
	body := out[headerSize:]
	for i, v := range f.data {
		binary.LittleEndian.PutUint32(body[i*4:], math.Float32bits(v))
	}
	return out, nil
}

// UnmarshalBinary replaces the index contents with the decoded bytes.
func (f *FlatIndex) UnmarshalBinary(b []byte) error {
	if len(b) < headerSize || string(b[:len(indexMagic)]) != indexMagic {
		return fmt.Errorf("%w: bad header", ErrCorruptIndex)
	}
	if v := b[len(indexMagic)]; v != indexVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorruptIndex, v)
	}
	dim := int(binary.LittleEndian.Uint32(b[5:9]))
	count := int(binary.LittleEndian.Uint32(b[9:13]))
	if dim <= 0 {
		return fmt.Errorf("%w: dimension %d", ErrCorruptIndex, dim)
	}
	body := b[headerSize:]
	if len(body) != dim*count*4 {
		return fmt.Errorf("%w: expected %d vector bytes, got %d", ErrCorruptIndex, dim*count*4, len(body))
	}
	data := make([]float32, dim*count)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[i*4:]))
	}
	f.dimensions = dim
	f.data = data
	return nil
}

// Decode returns a new index decoded from b.
func Decode(b []byte) (*FlatIndex, error) {
	f := &FlatIndex{}
	if err := f.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return f, nil
}

// TruncateEncoded returns the encoding of the first count vectors of an encoded
// index, without decoding the vector data.
func TruncateEncoded(b []byte, count int) ([]byte, error) {
	if len(b) < headerSize || string(b[:len(indexMagic)]) != indexMagic {
		return nil, fmt.Errorf("%w: bad header", ErrCorruptIndex)
	}
	dim := int(binary.LittleEndian.Uint32(b[5:9]))
	have := int(binary.LittleEndian.Uint32(b[9:13]))
	if count < 0 || count > have {
		return nil, fmt.Errorf("%w: cannot truncate %d vectors to %d", ErrCorruptIndex, have, count)
	}
	end := headerSize + count*dim*4
	if len(b) < end {
		return nil, fmt.Errorf("%w: short vector data", ErrCorruptIndex)
	}
	out := make([]byte, end)
	copy(out, b[:end])
	binary.LittleEndian.PutUint32(out[9:13], uint32(count))
	return out, nil
}
