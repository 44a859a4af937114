package region

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// aheadMapping prepares the regions following the cursor on a background
// goroutine. MoveTo takes a prepared region if one is ready, waits up to
// MapTimeout for one in flight, and otherwise maps synchronously (or fails
// when FailOnTimeout is set).
type aheadMapping struct {
	syncMapping

	requests chan int64
	wg       sync.WaitGroup

	mu       sync.Mutex
	prepared map[int64]*Region
	inflight map[int64]chan struct{}
}

func newAheadMapping(mapper *Mapper) *aheadMapping {
	a := &aheadMapping{
		syncMapping: syncMapping{cache: newRegionCache(mapper)},
		requests:    make(chan int64, mapper.cfg.RegionsAhead*2),
		prepared:    make(map[int64]*Region),
		inflight:    make(map[int64]chan struct{}),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *aheadMapping) run() {
	defer a.wg.Done()
	for regionIndex := range a.requests {
		r, _ := a.cache.mapper.MapRegion(regionIndex)

		a.mu.Lock()
		if r != nil {
			a.prepared[regionIndex] = r
		}
		if done, ok := a.inflight[regionIndex]; ok {
			close(done)
			delete(a.inflight, regionIndex)
		}
		a.mu.Unlock()
	}
}

// take removes a prepared region, waiting for an in-flight one if needed.
// The second result reports whether the wait timed out.
func (a *aheadMapping) take(regionIndex int64) (*Region, bool) {
	a.mu.Lock()
	if r, ok := a.prepared[regionIndex]; ok {
		delete(a.prepared, regionIndex)
		a.mu.Unlock()
		return r, false
	}
	done, inflight := a.inflight[regionIndex]
	a.mu.Unlock()
	if !inflight {
		return nil, false
	}

	timer := time.NewTimer(a.cache.mapper.cfg.MapTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		return nil, true
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.prepared[regionIndex]
	if ok {
		delete(a.prepared, regionIndex)
	}
	return r, false
}

// request schedules the regions after regionIndex and drops prepared
// regions the cursor has moved away from.
func (a *aheadMapping) request(regionIndex int64) {
	ahead := int64(a.cache.mapper.cfg.RegionsAhead)

	a.mu.Lock()
	for idx, r := range a.prepared {
		if idx < regionIndex || idx > regionIndex+ahead {
			a.keepUnmapErr(a.cache.mapper.Unmap(r))
			delete(a.prepared, idx)
		}
	}
	for next := regionIndex + 1; next <= regionIndex+ahead; next++ {
		if _, ok := a.prepared[next]; ok {
			continue
		}
		if _, ok := a.inflight[next]; ok {
			continue
		}
		if a.cache.lookup(next) != nil {
			continue
		}
		select {
		case a.requests <- next:
			a.inflight[next] = make(chan struct{})
		default:
			// queue full; the next MoveTo will ask again
		}
	}
	a.mu.Unlock()
}

func (a *aheadMapping) MoveTo(position int64) bool {
	if a.closed {
		a.err = ErrClosed
		return false
	}
	if position < 0 {
		a.err = fmt.Errorf("%w: negative position %d", ErrOutOfRange, position)
		return false
	}
	regionIndex := position / int64(a.cache.mapper.cfg.RegionSize)
	if a.current != nil && a.current.index == regionIndex {
		a.position = position
		a.err = nil
		return true
	}

	r := a.cache.lookup(regionIndex)
	if r == nil {
		prepared, timedOut := a.take(regionIndex)
		if timedOut && a.cache.mapper.cfg.FailOnTimeout {
			a.err = fmt.Errorf("region %d not mapped within %s", regionIndex, a.cache.mapper.cfg.MapTimeout)
			return false
		}
		if prepared == nil {
			mapped, err := a.cache.mapper.MapRegion(regionIndex)
			if err != nil || mapped == nil {
				a.err = err
				return false
			}
			prepared = mapped
		}
		a.keepUnmapErr(a.cache.insert(prepared))
		r = prepared
	}
	a.current = r
	a.position = position
	a.err = nil
	a.request(regionIndex)
	return true
}

func (a *aheadMapping) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	a.current = nil
	close(a.requests)
	a.wg.Wait()

	errs := []error{a.unmapErr}
	a.mu.Lock()
	for idx, r := range a.prepared {
		errs = append(errs, a.cache.mapper.Unmap(r))
		delete(a.prepared, idx)
	}
	a.mu.Unlock()
	errs = append(errs, a.cache.release(), a.cache.mapper.Close())
	return errors.Join(errs...)
}
