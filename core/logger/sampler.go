package logger

import (
	"strconv"
	"strings"
	"sync/atomic"
)

// ratio packs numerator/denominator so Set and Allow never see a torn pair.
type ratio struct {
	keep, of uint64
}

// ratioSampler passes keep events out of every window of of events.
// A zero ratio disables sampling and lets everything through.
type ratioSampler struct {
	r   atomic.Pointer[ratio]
	seq atomic.Uint64
}

func newRatioSampler(keep, of int) *ratioSampler {
	s := &ratioSampler{}
	s.Set(keep, of)
	return s
}

// Set replaces the ratio and restarts the window.
func (s *ratioSampler) Set(keep, of int) {
	switch {
	case keep <= 0 || of <= 0:
		s.r.Store(&ratio{})
	case keep > of:
		s.r.Store(&ratio{keep: uint64(of), of: uint64(of)})
	default:
		s.r.Store(&ratio{keep: uint64(keep), of: uint64(of)})
	}
	s.seq.Store(0)
}

// Allow reports whether the next event should be logged.
func (s *ratioSampler) Allow() bool {
	r := s.r.Load()
	if r == nil || r.of == 0 {
		return true
	}
	n := s.seq.Add(1) - 1
	return n%r.of < r.keep
}

// parseRatioSpec accepts "N" (one in N) or "K/N". Anything else yields 0/0.
func parseRatioSpec(spec string) (int, int) {
	spec = strings.TrimSpace(spec)
	if k, n, ok := strings.Cut(spec, "/"); ok {
		keep, err1 := strconv.Atoi(strings.TrimSpace(k))
		of, err2 := strconv.Atoi(strings.TrimSpace(n))
		if err1 != nil || err2 != nil {
			return 0, 0
		}
		return keep, of
	}
	of, err := strconv.Atoi(spec)
	if err != nil || of <= 0 {
		return 0, 0
	}
	return 1, of
}
