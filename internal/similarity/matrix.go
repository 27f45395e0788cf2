// Package similarity computes the pairwise cosine similarity matrix over a
// run's embeddings.
//
// The matrix is symmetric with a unit diagonal, so only the strict upper
// triangle is stored: n*(n-1)/2 float32 scores packed row by row. For n items
// that is still O(n²) memory and callers are expected to bound n before
// building one.
package similarity

import "fmt"

// Matrix is a packed symmetric similarity matrix. The zero value is an empty
// matrix. A Matrix is not safe for concurrent mutation.
type Matrix struct {
	n    int
	data []float32
}

// NewMatrix returns an n×n matrix with every off-diagonal score set to 0.
func NewMatrix(n int) *Matrix {
	if n < 0 {
		panic(fmt.Sprintf("similarity: negative matrix size %d", n))
	}
	return &Matrix{n: n, data: make([]float32, PairCount(n))}
}

// FromRows builds a Matrix from a dense square matrix. Only the upper
// triangle is read; the diagonal and lower triangle are ignored.
func FromRows(rows [][]float32) (*Matrix, error) {
	m := NewMatrix(len(rows))
	for i, row := range rows {
		if len(row) != len(rows) {
			return nil, fmt.Errorf("similarity: row %d has %d columns, want %d", i, len(row), len(rows))
		}
		for j := i + 1; j < len(rows); j++ {
			m.Set(i, j, row[j])
		}
	}
	return m, nil
}

// PairCount returns the number of unordered pairs among n items.
func PairCount(n int) int {
	if n < 2 {
		return 0
	}
	return n * (n - 1) / 2
}

// Len returns the number of items the matrix covers.
func (m *Matrix) Len() int { return m.n }

// Pairs returns the number of stored scores.
func (m *Matrix) Pairs() int { return len(m.data) }

// SizeBytes returns the memory held by the score buffer.
func (m *Matrix) SizeBytes() int { return 4 * len(m.data) }

// At returns the similarity of items i and j. At(i, i) is always 1.
func (m *Matrix) At(i, j int) float32 {
	if i == j {
		m.check(i)
		return 1
	}
	if i > j {
		i, j = j, i
	}
	return m.data[m.index(i, j)]
}

// Set stores the similarity of items i and j for both orders. Setting a
// diagonal entry panics.
func (m *Matrix) Set(i, j int, v float32) {
	if i == j {
		panic(fmt.Sprintf("similarity: cannot set diagonal entry %d", i))
	}
	if i > j {
		i, j = j, i
	}
	m.data[m.index(i, j)] = v
}

// Row calls fn for every j > i with the stored score, in increasing j.
func (m *Matrix) Row(i int, fn func(j int, v float32)) {
	m.check(i)
	if i == m.n-1 {
		return
	}
	base := m.index(i, i+1)
	for j := i + 1; j < m.n; j++ {
		fn(j, m.data[base+j-i-1])
	}
}

// index maps i < j to its offset in data.
func (m *Matrix) index(i, j int) int {
	m.check(i)
	m.check(j)
	return i*m.n - i*(i+1)/2 + (j - i - 1)
}

func (m *Matrix) check(i int) {
	if i < 0 || i >= m.n {
		panic(fmt.Sprintf("similarity: index %d out of range [0,%d)", i, m.n))
	}
}
