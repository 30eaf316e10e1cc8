package common

import (
	"fmt"
	"os"
	"runtime/debug"
)

// RpczPanicHandler prints the panic and its stack before exiting. Deferred at
// the top of the binaries' mains so an escaping panic is never silent.
func RpczPanicHandler() {
	if r := recover(); r != nil {
		fmt.Printf("Panic caught in rpcz: %v\n", r)
		debug.PrintStack()
		os.Exit(1)
	}
}
