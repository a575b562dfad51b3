package main

import (
	"os"

	"fivecall/internal/ui"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		ui.NewCountdown(os.Stderr).Error(err)
		os.Exit(1)
	}
}
