// threads is a multi-threaded target for the native backend tests. It
// prints the address of a counter it keeps incrementing.
package main

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
)

var counter uint64

func main() {
	for i := 0; i < 4; i++ {
		go func() {
			runtime.LockOSThread()
			for {
				time.Sleep(time.Millisecond)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	fmt.Printf("counter %p\n", &counter)
	for {
		time.Sleep(10 * time.Millisecond)
		atomic.AddUint64(&counter, 1)
	}
}
