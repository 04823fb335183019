// SPDX-License-Identifier: MPL-2.0

package binding

import (
	"bytes"
	"runtime"
	"strconv"
)

var goroutinePrefix = []byte("goroutine ")

// GoroutineID returns the runtime id of the calling goroutine, parsed from the
// header line of its stack trace ("goroutine 17 [running]:").
func GoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		panic("binding: cannot parse goroutine id from " + strconv.Quote(string(buf[:n])))
	}
	return id
}
