// Package connid hands out process-unique ids for gateway connections and tunnels.
package connid

import "sync/atomic"

var counter atomic.Uint64

// Generate returns the next id. Ids start at 1.
func Generate() uint64 {
	return counter.Add(1)
}
