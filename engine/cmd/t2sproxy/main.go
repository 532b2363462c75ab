// Command t2sproxy is the transparent TCP-to-SOCKS5 forwarding proxy.
package main

import (
	"fmt"
	"os"

	"t2sproxy/engine/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
