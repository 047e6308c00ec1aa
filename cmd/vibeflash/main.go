package main

import (
	"bytes"
	"flag"
	"fmt"
	"sort"

	"github.com/jzolee/vibeflash"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// session is what every command gets to work with.
type session struct {
	profile vibeflash.Profile
	dev     *vibeflash.Device
}

var commands = map[string]func(*session, []string){
	"info":     processInfo,
	"read":     processRead,
	"erase":    processErase,
	"eraseall": processEraseAll,
	"crc":      processCRC,
	"recover":  processRecover,
	"settings": processSettings,
	"control":  processControl,
	"meta":     processMeta,
	"stage":    processStage,
	"boot":     processBoot,
	"sleep":    processSleep,
}

const appVersion = "0.1.0"

func main() {
	version := flag.Bool("version", false, "Prints the program version.")
	port := flag.String("port", "", "Serial port of a flash bridge.")
	baud := flag.Int("baud", 115200, "Baud rate.")
	spidev := flag.String("spidev", "", "Linux spidev device wired to the flash chip, e.g. /dev/spidev0.0.")
	image := flag.String("image", "flash.bin", "Flash image file used when no hardware is selected.")
	verbose := flag.Bool("v", false, "Enable verbose logging.")

	// Format the default profile in YAML format as an example.
	buf := new(bytes.Buffer)
	enc := yaml.NewEncoder(buf)
	enc.Encode(vibeflash.DefaultProfile())
	profileFile := flag.String("profile", "", "Board profile yaml file. Missing fields keep their defaults:\n\n"+buf.String())

	cmdList := []string{}
	for key := range commands {
		cmdList = append(cmdList, key)
	}
	sort.Strings(cmdList)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: vibeflash [flags] command [args]\n\n"+
			"Commands: %v\n"+
			"Memory commands take an address and a length, e.g. read 0x1000 32\n\n", cmdList)
		flag.PrintDefaults()
	}

	flag.Parse()

	if *version {
		fmt.Println(appVersion)
		return
	}

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	vibeflash.SetLogger(log.StandardLogger())

	if flag.NArg() < 1 {
		flag.Usage()
		log.Fatal("must specify a command")
	}
	f, ok := commands[flag.Arg(0)]
	if !ok {
		log.Fatalf("invalid command %v", flag.Arg(0))
	}

	s := new(session)
	s.profile = vibeflash.DefaultProfile()
	if *profileFile != "" {
		p, err := vibeflash.LoadProfile(*profileFile)
		if err != nil {
			log.Fatal(err)
		}
		s.profile = p
	}

	var transport vibeflash.Transport
	switch {
	case *port != "":
		transport = vibeflash.NewSerialTransport(*port, *baud)
	case *spidev != "":
		transport = newSPITransport(*spidev)
	default:
		chip, err := vibeflash.OpenMemoryChipFile(*image, s.profile.Layout.UnitSize, s.profile.Layout.UnitCount)
		if err != nil {
			log.Fatal(err)
		}
		log.Debugf("using flash image %v", *image)
		transport = chip
	}

	s.dev = vibeflash.NewDevice(transport, s.profile)
	f(s, flag.Args()[1:])
	if err := s.dev.Close(); err != nil {
		log.Fatal(err)
	}
}
