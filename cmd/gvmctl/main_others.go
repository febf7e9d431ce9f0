//go:build !linux

package main

import (
	"fmt"
	"os"
	"runtime"
)

func main() {
	fmt.Fprintf(os.Stderr, "gvmctl: the GVM accelerator is not available on %s\n", runtime.GOOS)
	os.Exit(1)
}
