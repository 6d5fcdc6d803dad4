// Command voxsync manages the local conversation cache of the voice
// messaging client and keeps it in sync with the backend.
package main

import (
	"context"
	"os"
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
