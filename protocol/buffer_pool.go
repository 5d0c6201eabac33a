package protocol

import "sync"

const (
	// messageHeaderSize is the type byte plus the big-endian payload length
	messageHeaderSize = 5
	// pooledMessageSize fits a message carrying a typical screen update
	pooledMessageSize = messageHeaderSize + HeaderSize + 4096
	// maxPooledMessage bounds what goes back into the pool
	maxPooledMessage = 1024 * 1024
)

var messagePool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 0, pooledMessageSize)
		return &b
	},
}

// getMessageBuffer returns an empty buffer able to hold size bytes without
// growing.
func getMessageBuffer(size int) *[]byte {
	bp := messagePool.Get().(*[]byte)
	if cap(*bp) < size {
		*bp = make([]byte, 0, size)
	}
	*bp = (*bp)[:0]
	return bp
}

// putMessageBuffer hands a buffer back. Oversized buffers are dropped so a
// single large frame does not pin its memory.
func putMessageBuffer(bp *[]byte) {
	if bp == nil || cap(*bp) > maxPooledMessage {
		return
	}
	messagePool.Put(bp)
}
