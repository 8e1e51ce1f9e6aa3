package audio

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

var ErrUnknownDriver = errors.New("audio: unknown driver")

// Driver selects where the mixed signal goes.
type Driver int

const (
	// DriverNull pulls from the mixer at real-time pace and discards the result.
	DriverNull Driver = iota
	// DriverOto plays through the system audio device.
	DriverOto
)

func (d Driver) String() string {
	switch d {
	case DriverNull:
		return "null"
	case DriverOto:
		return "oto"
	}
	return fmt.Sprintf("Driver(%d)", int(d))
}

func ParseDriver(s string) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "null", "none":
		return DriverNull, nil
	case "oto", "":
		return DriverOto, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDriver, s)
}

// output consumes the mixer until closed.
type output interface {
	Close() error
}

// nullOutput paces reads like a sound card would, so voices finish on time
// without any hardware.
type nullOutput struct {
	stop chan struct{}
	done chan struct{}
}

func newNullOutput(mux *Mux, clk clock.Clock) *nullOutput {
	o := &nullOutput{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go o.loop(mux, clk)
	return o
}

func (o *nullOutput) loop(mux *Mux, clk clock.Clock) {
	defer close(o.done)

	var buf32 [1024]float32
	period := time.Duration(float64(time.Second) * float64(len(buf32)) / float64(mux.sampleRate))
	ticker := clk.Ticker(period)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			mux.ReadFloat32s(buf32[:])
		}
	}
}

func (o *nullOutput) Close() error {
	close(o.stop)
	<-o.done
	return nil
}
