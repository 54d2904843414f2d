package pgmfec

// matrix is a dense GF(256) matrix stored row-major.
type matrix struct {
	rows, cols int
	data       []byte
}

func newMatrix(rows, cols int) *matrix {
	return &matrix{rows: rows, cols: cols, data: make([]byte, rows*cols)}
}

func (m *matrix) at(r, c int) byte      { return m.data[r*m.cols+c] }
func (m *matrix) set(r, c int, v byte)  { m.data[r*m.cols+c] = v }

// vandermonde builds the (k+h) x k encoding matrix used by OpenPGM-style
// systematic Reed–Solomon: the top k rows are the identity (originals pass
// through unmodified), and the bottom h rows are the Cauchy matrix
// 1/(r xor c) over row indices r >= k and column indices c < k, so that any
// k of the n rows are linearly independent.
func vandermonde(k, n int) *matrix {
	m := newMatrix(n, k)
	for r := 0; r < k; r++ {
		m.set(r, r, 1)
	}
	for r := k; r < n; r++ {
		for c := 0; c < k; c++ {
			m.set(r, c, gfInv(byte(r)^byte(c)))
		}
	}
	return m
}

// subMatrix returns the rows indexed by rowIdx as a new k x k matrix.
func (m *matrix) subMatrix(rowIdx []int) *matrix {
	out := newMatrix(len(rowIdx), m.cols)
	for i, r := range rowIdx {
		copy(out.data[i*m.cols:(i+1)*m.cols], m.data[r*m.cols:(r+1)*m.cols])
	}
	return out
}

// invert computes the inverse of a square matrix via Gauss-Jordan
// elimination over GF(256). It returns an error if the matrix is singular.
func (m *matrix) invert() (*matrix, error) {
	if m.rows != m.cols {
		return nil, errNotSquare
	}
	n := m.rows
	aug := newMatrix(n, 2*n)
	for r := 0; r < n; r++ {
		copy(aug.data[r*2*n:r*2*n+n], m.data[r*n:r*n+n])
		aug.set(r, n+r, 1)
	}

	for col := 0; col < n; col++ {
		pivot := -1
		for r := col; r < n; r++ {
			if aug.at(r, col) != 0 {
				pivot = r
				break
			}
		}
		if pivot == -1 {
			return nil, errSingular
		}
		if pivot != col {
			for c := 0; c < 2*n; c++ {
				aug.data[col*2*n+c], aug.data[pivot*2*n+c] = aug.data[pivot*2*n+c], aug.data[col*2*n+c]
			}
		}
		inv := gfInv(aug.at(col, col))
		for c := 0; c < 2*n; c++ {
			aug.set(col, c, gfMul(aug.at(col, c), inv))
		}
		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			factor := aug.at(r, col)
			if factor == 0 {
				continue
			}
			for c := 0; c < 2*n; c++ {
				aug.set(r, c, gfAdd(aug.at(r, c), gfMul(factor, aug.at(col, c))))
			}
		}
	}

	out := newMatrix(n, n)
	for r := 0; r < n; r++ {
		copy(out.data[r*n:(r+1)*n], aug.data[r*2*n+n:r*2*n+2*n])
	}
	return out, nil
}

// mulBytes computes m * shards where shards[i] is the i-th input row
// (length cols), writing len(result) == m.rows output rows of the same
// byte length into dst (each must be pre-sized).
func (m *matrix) mulBytes(shards [][]byte, dst [][]byte) {
	shardLen := len(shards[0])
	for r := 0; r < m.rows; r++ {
		out := dst[r]
		for i := range out {
			out[i] = 0
		}
		for c := 0; c < m.cols; c++ {
			coeff := m.at(r, c)
			if coeff == 0 {
				continue
			}
			in := shards[c]
			for i := 0; i < shardLen; i++ {
				out[i] = gfAdd(out[i], gfMul(coeff, in[i]))
			}
		}
	}
}
