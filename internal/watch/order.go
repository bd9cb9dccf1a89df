package watch

import (
	"fmt"
	"sync/atomic"
	"time"
)

var tiebreaks atomic.Uint64

// OrderKey totally orders watchers: by registration timestamp, then by a
// process-wide counter. Earlier keys get the first chance at an entry.
type OrderKey struct {
	Timestamp int64 // unix nanos
	Tiebreak  uint64
}

// NewOrderKey stamps a key at ts with the next tiebreak.
func NewOrderKey(ts time.Time) OrderKey {
	return OrderKey{Timestamp: ts.UnixNano(), Tiebreak: tiebreaks.Add(1)}
}

// Less reports whether k sorts before o.
func (k OrderKey) Less(o OrderKey) bool {
	if k.Timestamp != o.Timestamp {
		return k.Timestamp < o.Timestamp
	}
	return k.Tiebreak < o.Tiebreak
}

func (k OrderKey) String() string {
	return fmt.Sprintf("%d.%d", k.Timestamp, k.Tiebreak)
}
