// Stepper driver probe: sweeps the commanded frequency up and back down
// on one axis so the wiring and the driver firmware can be verified
// without running the whole daemon.
package main

import (
	"flag"
	"log"
	"time"

	"github.com/telescopio-montemayor/ethernet-encoder-servo/internal/stepper"
)

var (
	serialPort = flag.String("serial", "/dev/ttyACM0", "Serial port of the stepper driver")
	axis       = flag.String("axis", "A", "Axis label to command")
	maxSpeed   = flag.Float64("max", 4000, "Peak frequency of the sweep in Hz")
	step       = flag.Float64("step", 250, "Frequency increment per command")
	dwell      = flag.Duration("dwell", 250*time.Millisecond, "Delay between commands")
)

func main() {
	flag.Parse()

	sink := stepper.NewSerialSink(*serialPort, *maxSpeed)
	defer sink.Close()

	log.Printf("sweeping axis %s on %s up to %.0f Hz", *axis, *serialPort, *maxSpeed)

	send := func(hz float64) {
		if err := sink.SetFrequency(*axis, hz); err != nil {
			log.Printf("command %.0f Hz failed: %v", hz, err)
		} else {
			log.Printf("command %.0f Hz", hz)
		}
		time.Sleep(*dwell)
	}

	for hz := 0.0; hz <= *maxSpeed; hz += *step {
		send(hz)
	}
	for hz := *maxSpeed; hz >= -*maxSpeed; hz -= *step {
		send(hz)
	}
	for hz := -*maxSpeed; hz <= 0; hz += *step {
		send(hz)
	}

	send(0)
	log.Println("sweep complete, axis stopped")
}
