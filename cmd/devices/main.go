// Lists capture devices as the recorder sees them.
// Run: go run ./cmd/devices
package main

import (
	"fmt"
	"os"

	"sonicinput/audio"
)

func main() {
	source, err := audio.NewMalgoSource()
	if err != nil {
		fmt.Fprintln(os.Stderr, "audio backend init failed:", err)
		os.Exit(1)
	}
	defer source.Free()

	devices, err := source.Devices()
	if err != nil {
		fmt.Fprintln(os.Stderr, "device enumeration failed:", err)
		os.Exit(1)
	}
	if len(devices) == 0 {
		fmt.Println("no capture devices found")
		return
	}

	for _, d := range devices {
		marker := " "
		if d.IsDefault {
			marker = "*"
		}
		fmt.Printf("%s [%d] %s\n", marker, d.Index, d.Name)
	}
}
