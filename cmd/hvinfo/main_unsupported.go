//go:build !(linux && arm64)

package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Fprintln(os.Stderr, "hvinfo: no hypervisor backend on this platform")
	os.Exit(1)
}
