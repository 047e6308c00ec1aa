//go:build !linux
// +build !linux

package main

import (
	"github.com/jzolee/vibeflash"
	log "github.com/sirupsen/logrus"
)

func newSPITransport(dev string) vibeflash.Transport {
	log.Fatalf("spidev is only available on linux")
	return nil
}
