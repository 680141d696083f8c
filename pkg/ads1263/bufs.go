package ads1263

import "sync"

// RDATA frames are at most opcode, status, four data bytes and checksum.
const maxDataFrame = 7

var dataFrames = &sync.Pool{New: func() interface{} { return make([]byte, maxDataFrame) }}

func getDataFrame(n int) []byte {
	return dataFrames.Get().([]byte)[:n]
}

func putDataFrame(b []byte) {
	b = b[:maxDataFrame]
	for i := range b {
		b[i] = 0
	}
	dataFrames.Put(b)
}
