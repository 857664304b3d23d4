package lpc

import (
	"sync"

	"github.com/mjibson/go-dsp/window"
)

// windowCache memoises Hamming windows by length; frames of one conversion
// all share a length, so the cache stays tiny.
var windowCache sync.Map // int -> []float64

// Hamming returns the symmetric Hamming window of length n,
// w[k] = 0.54 - 0.46·cos(2πk/(n-1)). The returned slice is shared and must not
// be modified.
func Hamming(n int) []float64 {
	if w, ok := windowCache.Load(n); ok {
		return w.([]float64)
	}
	w, _ := windowCache.LoadOrStore(n, window.Hamming(n))
	return w.([]float64)
}
