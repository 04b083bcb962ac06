// Command phoenix runs the Phoenix chunk-deduplicated file sync server or
// client, and provides the gen-key/dump-config/dump-db operator utilities.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
