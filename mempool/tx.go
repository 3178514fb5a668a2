package mempool

import (
	"github.com/ahwlsqja/highway-casper/types"
)

// entry is a buffered deploy plus its arrival position.
type entry struct {
	deploy *types.Deploy
	seq    uint64 // 도착 순서
}

// less orders entries FIFO; the hash breaks ties between equal sequence numbers.
func (e *entry) less(o *entry) bool {
	if e.seq != o.seq {
		return e.seq < o.seq
	}
	return e.deploy.Hash.Less(o.deploy.Hash)
}
