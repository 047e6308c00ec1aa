package vibeflash

import (
	"fmt"
	"log"
	"os"
)

func Example() {
	// First create a device on top of the transport the board is reached by
	profile := DefaultProfile()
	dev := NewDevice(NewSerialTransport("/dev/ttyUSB0", 115200), profile)
	defer dev.Close()

	// Load the settings, falling back to the previous record or the defaults
	store := NewStore(NewLogFromLayout(dev, profile.Layout), DefaultSettings)
	settings, src := store.Load()
	log.Printf("settings from %v: %+v", src, settings)

	// Stage a new application for the updater to pick up on the next boot
	file, err := os.Open("firmware.hex")
	if err != nil {
		log.Fatal(err)
	}
	defer file.Close()

	image, err := LoadHexImage(file, profile.Layout)
	if err != nil {
		log.Fatal(err)
	}
	m, err := StageImage(dev, profile.Layout, image, 2)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("staged %v", m)
}

func ExampleLog() {
	chip := NewMemoryChip(256, 16)
	profile := DefaultProfile()
	profile.Layout.UnitCount = 16
	dev := NewDevice(chip, profile)

	l := NewLog(dev, 0, 4)
	for i := 0; i < 6; i++ {
		if err := l.Append([]byte{byte(i)}); err != nil {
			log.Fatal(err)
		}
	}

	recovered := NewLog(dev, 0, 4)
	if err := recovered.Recover(); err != nil {
		log.Fatal(err)
	}
	fmt.Println(recovered.Index(), recovered.Counter())
	// Output: 1 6
}
