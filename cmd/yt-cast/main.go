package main

import (
	"fmt"
	"os"

	"github.com/hillnz/yt-cast/cmd/yt-cast/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Encountered error(s): %s\n", err)
		os.Exit(1)
	}
}
