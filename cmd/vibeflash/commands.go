package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/jzolee/vibeflash"
	log "github.com/sirupsen/logrus"
)

func parseUint(s, what string, bits int) uint32 {
	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		log.Fatalf("invalid %v: %v", what, err)
	}
	return uint32(v)
}

func getAddrAndLen(args []string) (uint32, uint32) {
	if len(args) != 2 {
		log.Fatalf("expected: addr len")
	}
	return parseUint(args[0], "address", 32), parseUint(args[1], "length", 32)
}

func processInfo(s *session, args []string) {
	if err := s.dev.Open(); err != nil {
		log.Fatalf("failed to open flash: %v", err)
	}
	l := s.profile.Layout
	fmt.Printf("flash:    %v units of %v bytes (%v bytes), %v\n", s.dev.UnitCount(), s.dev.UnitSize(), s.dev.Size(), s.dev.State())
	fmt.Printf("log:      units %v..%v\n", l.LogStart, l.LogStart+l.LogUnits-1)
	fmt.Printf("metadata: %X\n", l.MetadataAddress)
	fmt.Printf("image:    %X, up to %v bytes\n", l.ImageAddress, l.ImageBudget())
	fmt.Printf("app:      %X..%X\n", l.AppStart, l.AppEnd)
}

func processRead(s *session, args []string) {
	addr, length := getAddrAndLen(args)
	data := make([]byte, length)
	if err := s.dev.Read(addr, data); err != nil {
		log.Fatal(err)
	}
	fmt.Print(hex.Dump(data))
}

func processErase(s *session, args []string) {
	addr, length := getAddrAndLen(args)
	if err := s.dev.EraseRange(addr, length); err != nil {
		log.Fatalf("failed to erase flash: %v", err)
	}
}

func processEraseAll(s *session, args []string) {
	log.Infof("erasing chip...")
	if err := s.dev.EraseAll(); err != nil {
		log.Fatalf("failed to erase flash: %v", err)
	}
}

func processCRC(s *session, args []string) {
	addr, length := getAddrAndLen(args)
	crc, err := s.dev.CRC32(addr, length)
	if err != nil {
		log.Fatalf("failed to calculate crc: %v", err)
	}
	fmt.Printf("crc: %08X\n", crc)
}

func newLog(s *session) *vibeflash.Log {
	l := vibeflash.NewLogFromLayout(s.dev, s.profile.Layout)
	if err := l.Recover(); err != nil {
		log.Fatalf("failed to recover log: %v", err)
	}
	return l
}

func processRecover(s *session, args []string) {
	l := newLog(s)
	fmt.Printf("slot %v of %v, counter %v\n", l.Index(), l.Slots(), l.Counter())
}

func printSettings(settings vibeflash.Settings) {
	fmt.Printf("control:        %03b\n", settings.Control)
	fmt.Printf("filter:         %v\n", settings.Filter)
	fmt.Printf("gain:           %v\n", settings.Gain)
	fmt.Printf("time constant:  %v s\n", settings.TimeConstant)
	fmt.Printf("alarm:          %v in/s\n", settings.AlarmThreshold)
	for i, b := range settings.Bands {
		lo, hi := settings.BandLimits(i)
		fmt.Printf("band %v:         %.2f Hz (%.2f..%.2f)\n", i, b, lo, hi)
	}
}

func processSettings(s *session, args []string) {
	store := vibeflash.NewStore(newLog(s), nil)
	settings, src := store.Load()
	log.Infof("settings from %v", src)
	printSettings(settings)
}

func processControl(s *session, args []string) {
	if len(args) != 1 {
		log.Fatalf("expected: hexdata")
	}
	raw, err := hex.DecodeString(args[0])
	if err != nil {
		log.Fatalf("invalid control data: %v", err)
	}
	store := vibeflash.NewStore(newLog(s), nil)
	store.Load()
	settings, err := store.ApplyControl(raw)
	if err != nil {
		log.Fatalf("control write rejected: %v", err)
	}
	printSettings(settings)
	fmt.Printf("status: %X\n", store.Status())
}

func processMeta(s *session, args []string) {
	m, err := vibeflash.ReadMetadata(s.dev, s.profile.Layout)
	if err != nil {
		log.Fatalf("failed to read metadata: %v", err)
	}
	if m.Magic != vibeflash.MetadataMagic {
		fmt.Printf("no metadata (magic %08X)\n", m.Magic)
		return
	}
	fmt.Println(m)
}

func processStage(s *session, args []string) {
	if len(args) < 1 || len(args) > 2 {
		log.Fatalf("expected: hexfile [version]")
	}
	version := uint32(1)
	if len(args) == 2 {
		version = parseUint(args[1], "version", 32)
	}

	file, err := os.Open(args[0])
	if err != nil {
		log.Fatal(err)
	}
	defer file.Close()

	image, err := vibeflash.LoadHexImage(file, s.profile.Layout)
	if err != nil {
		log.Fatal(err)
	}
	log.Infof("hex file loaded: %v bytes", len(image))

	log.Infof("staging...")
	m, err := vibeflash.StageImage(s.dev, s.profile.Layout, image, version)
	if err != nil {
		log.Fatal(err)
	}
	log.Infof("staged %v", m)
}

func processBoot(s *session, args []string) {
	if len(args) != 1 {
		log.Fatalf("expected: progimage")
	}
	l := s.profile.Layout
	nvm, err := vibeflash.OpenMemoryNVMFile(args[0], l.AppStart, l.ImageBudget(), l.ProgramPageSize)
	if err != nil {
		log.Fatal(err)
	}
	core := new(vibeflash.RecordingCore)

	r := vibeflash.NewUpdater(s.dev, s.profile, nvm, core).Run()
	if err := nvm.Sync(); err != nil {
		log.Fatal(err)
	}
	log.Infof("outcome: %v", r.Outcome)
	if r.Err != nil {
		log.Warnf("%v", r.Err)
	}
	for _, c := range core.Calls {
		log.Debugf("core: %v", c)
	}
	fmt.Printf("jump to %08X with sp %08X\n", core.Entry, core.MSP)
}

func processSleep(s *session, args []string) {
	if err := s.dev.Sleep(); err != nil {
		log.Fatalf("failed to put flash to sleep: %v", err)
	}
}
