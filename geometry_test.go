package mmq

import (
	"errors"
	"testing"
)

func TestBlockMappingBijection(t *testing.T) {
	mappings := []BlockMapping{
		DefaultBlockMapping,
		{Width: 1, Height: 1},
		{Width: 8, Height: 4},
		{Width: 3, Height: 7},
	}
	for _, b := range mappings {
		seen := make(map[int64]int64)
		for i := int64(0); i < 3*b.Width*b.Height+17; i++ {
			pos := b.HeaderPositionForIndex(i)
			if pos%HeaderWordSize != 0 {
				t.Fatalf("%v: index %d maps to unaligned position %d", b, i, pos)
			}
			if got := b.IndexForHeaderPosition(pos); got != i {
				t.Fatalf("%v: index %d -> position %d -> index %d", b, i, pos, got)
			}
			if prev, dup := seen[pos]; dup {
				t.Fatalf("%v: indices %d and %d share position %d", b, prev, i, pos)
			}
			seen[pos] = i
		}
	}
}

func TestBlockMappingSpreadsNeighbours(t *testing.T) {
	b := DefaultBlockMapping
	for i := int64(0); i < b.Height-1; i++ {
		d := b.HeaderPositionForIndex(i+1) - b.HeaderPositionForIndex(i)
		if d != b.Width*HeaderWordSize {
			t.Fatalf("indices %d and %d are %d bytes apart", i, i+1, d)
		}
	}
	// Blocks stay in order.
	size := b.Width * b.Height
	if b.IndexToPosition(size) != size {
		t.Fatalf("first index of block 1 maps to %d", b.IndexToPosition(size))
	}
}

func TestBlockMappingValidate(t *testing.T) {
	if err := DefaultBlockMapping.Validate(); err != nil {
		t.Fatalf("default geometry invalid: %v", err)
	}
	for _, b := range []BlockMapping{{0, 64}, {64, 0}, {-1, 1}, {1 << 13, 1}} {
		if err := b.Validate(); !errors.Is(err, ErrConfiguration) {
			t.Errorf("%v: expected ErrConfiguration, got %v", b, err)
		}
	}
}

func TestValidIndex(t *testing.T) {
	for _, i := range []int64{0, 1, MaxIndex} {
		if !ValidIndex(i) || ValidateIndex(i) != nil {
			t.Errorf("index %d should be valid", i)
		}
	}
	for _, i := range []int64{IndexNull, IndexLast, IndexEnd, MaxIndex + 1} {
		if ValidIndex(i) {
			t.Errorf("index %d should be invalid", i)
		}
		err := ValidateIndex(i)
		if !errors.Is(err, ErrInvalidIndex) || !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("ValidateIndex(%d) = %v", i, err)
		}
	}

	b := DefaultBlockMapping
	if !b.ValidHeaderPosition(b.HeaderPositionForIndex(12345)) {
		t.Error("header position of 12345 should be valid")
	}
	if b.ValidHeaderPosition(4) || b.ValidHeaderPosition(-8) {
		t.Error("unaligned or negative header positions should be invalid")
	}
}
