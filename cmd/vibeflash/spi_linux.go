package main

import "github.com/jzolee/vibeflash"

func newSPITransport(dev string) vibeflash.Transport {
	return vibeflash.NewSPITransport(dev)
}
