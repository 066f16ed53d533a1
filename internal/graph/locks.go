package graph

import (
	"hash/fnv"
	"strconv"
	"sync"
)

const lockStripes = 64

// chatLocks serializes graph writes per chat. Stripes keep the footprint
// fixed regardless of how many chats are live.
type chatLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *chatLocks) lock(chatID int64) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(strconv.FormatInt(chatID, 10)))
	return &l.stripes[h.Sum32()%lockStripes]
}
