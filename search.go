package mmq

import "fmt"

// Probe reports whether the header at index is non-null.
type Probe func(index int64) (bool, error)

// SearchLastIndex returns the greatest index >= start with a non-null
// header, or IndexNull if start itself is null.
//
// The log is append-only without holes, so the non-null indices form a
// prefix. An exponential probe from start finds a null upper bound, then
// binary narrowing closes in on the boundary. Concurrent appends may turn
// null slots non-null between probes (never the reverse); nothing above
// the current lower bound is remembered as null, so the result is the last
// index that was non-null when it was read.
func SearchLastIndex(start int64, has Probe) (int64, error) {
	if err := ValidateIndex(start); err != nil {
		return IndexNull, err
	}
	ok, err := has(start)
	if err != nil || !ok {
		return IndexNull, err
	}

	low := start
	high := IndexNull
	for increment := int64(1); high == IndexNull; increment <<= 1 {
		probe := low + increment
		if increment <= 0 || probe < 0 {
			// no upper bound could be established
			return low, nil
		}
		if probe > MaxIndex {
			high = MaxIndex + 1
			break
		}
		ok, err := has(probe)
		if err != nil {
			return IndexNull, err
		}
		if !ok {
			high = probe
			break
		}
		low = probe
	}

	for low+1 < high {
		mid := average(low, high)
		ok, err := has(mid)
		if err != nil {
			return IndexNull, err
		}
		if ok {
			low = mid
		} else {
			high = mid
		}
	}
	return low, nil
}

// LinearLastIndex is the scan-forward equivalent of SearchLastIndex. It is
// O(n) and kept for verification and recovery fallback.
func LinearLastIndex(start int64, has Probe) (int64, error) {
	if err := ValidateIndex(start); err != nil {
		return IndexNull, err
	}
	ok, err := has(start)
	if err != nil || !ok {
		return IndexNull, err
	}
	last := start
	for last < MaxIndex {
		ok, err := has(last + 1)
		if err != nil {
			return IndexNull, err
		}
		if !ok {
			break
		}
		last++
	}
	return last, nil
}

// average returns floor((a+b)/2) for non-negative a and b without overflow.
func average(a, b int64) int64 {
	return (a >> 1) + (b >> 1) + (a & b & 1)
}

// SearchFirstNull returns the first index >= start whose header is null.
func SearchFirstNull(start int64, has Probe) (int64, error) {
	last, err := SearchLastIndex(start, has)
	if err != nil {
		return IndexNull, err
	}
	if last == IndexNull {
		return start, nil
	}
	if last == MaxIndex {
		return IndexNull, fmt.Errorf("%w: no free index after %d", ErrInvalidIndex, start)
	}
	return last + 1, nil
}
