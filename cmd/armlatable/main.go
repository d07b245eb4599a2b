package main

import (
	"errors"
	"os"

	"github.com/jessevdk/go-flags"
)

type Options struct {
	Run   RunCommand   `command:"run" description:"Run the control loop with a strategy"`
	Setup SetupCommand `command:"setup" description:"Detect the driver board and write armlatable.yaml"`
	Ports PortsCommand `command:"ports" description:"List serial ports and the board each one looks like"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "armlatable - drive servo actuators and DC motors over a serial link"

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
