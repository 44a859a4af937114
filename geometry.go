package mmq

import "fmt"

// Logical index sentinels.
const (
	// IndexFirst is the first index of every queue.
	IndexFirst int64 = 0
	// IndexNull means "no index".
	IndexNull int64 = -1
	// IndexLast resolves to the last written index.
	IndexLast int64 = -2
	// IndexEnd resolves to the next index to be written.
	IndexEnd int64 = -3

	// MaxIndex is the largest addressable index.
	MaxIndex int64 = 1<<59 - 1

	// HeaderWordSize is the size of one header word.
	HeaderWordSize = 8
	headerWordBits = 3

	// CacheLineSize is the block edge used by DefaultBlockMapping.
	CacheLineSize = 64

	maxBlockEdge = 1 << 12
)

// BlockMapping spreads consecutive indices over different cache lines.
//
// Indices are grouped in blocks of Width*Height header words. Inside a block
// the index runs down the columns while memory runs along the rows, so index
// i and i+1 are Width words apart. Two writers publishing neighbouring
// indices therefore do not contend on the same cache line. The transform is
// a bijection on non-negative integers and preserves block order.
type BlockMapping struct {
	Width  int64 `json:"width" yaml:"width"`
	Height int64 `json:"height" yaml:"height"`
}

// DefaultBlockMapping uses a CacheLineSize x CacheLineSize block.
var DefaultBlockMapping = BlockMapping{Width: CacheLineSize, Height: CacheLineSize}

// Validate checks the block edges.
func (b BlockMapping) Validate() error {
	if b.Width < 1 || b.Width > maxBlockEdge || b.Height < 1 || b.Height > maxBlockEdge {
		return fmt.Errorf("%w: block mapping %dx%d must have edges in [1, %d]", ErrConfiguration, b.Width, b.Height, maxBlockEdge)
	}
	return nil
}

// IndexToPosition maps an index to a header word number.
func (b BlockMapping) IndexToPosition(index int64) int64 {
	size := b.Width * b.Height
	block, r := index/size, index%size
	row, col := r%b.Height, r/b.Height
	return block*size + row*b.Width + col
}

// PositionToIndex is the inverse of IndexToPosition.
func (b BlockMapping) PositionToIndex(position int64) int64 {
	size := b.Width * b.Height
	block, r := position/size, position%size
	row, col := r/b.Width, r%b.Width
	return block*size + col*b.Height + row
}

// HeaderPositionForIndex returns the byte position of the header of index.
func (b BlockMapping) HeaderPositionForIndex(index int64) int64 {
	return b.IndexToPosition(index) << headerWordBits
}

// IndexForHeaderPosition returns the index whose header lives at position.
func (b BlockMapping) IndexForHeaderPosition(position int64) int64 {
	return b.PositionToIndex(position >> headerWordBits)
}

// ValidHeaderPosition reports whether position is an aligned header byte
// position of a valid index.
func (b BlockMapping) ValidHeaderPosition(position int64) bool {
	return position >= 0 && position&(HeaderWordSize-1) == 0 && ValidIndex(b.IndexForHeaderPosition(position))
}

// ValidIndex reports whether index is a real (non-sentinel) index.
func ValidIndex(index int64) bool {
	return index >= 0 && index <= MaxIndex
}

// ValidateIndex returns ErrInvalidIndex for negative or oversized indices.
func ValidateIndex(index int64) error {
	if ValidIndex(index) {
		return nil
	}
	return fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidIndex, index, MaxIndex)
}
