package fusion

import "fmt"

// State is a state of the fusion loop
type State int32

const (
	Starting State = iota
	Running
	Recovering
	Stopping
	Stopped
)

var stateNames = map[State]string{
	Starting:   "starting",
	Running:    "running",
	Recovering: "recovering",
	Stopping:   "stopping",
	Stopped:    "stopped",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Device identifies the component a failure came from
type Device string

const (
	DeviceNone    Device = ""
	DeviceGPS     Device = "gps"
	DeviceRadio   Device = "radio"
	DeviceStorage Device = "storage"
)

// Transition is a single state change. Device is set when entering Recovering
// and on transitions caused by a device failure.
type Transition struct {
	From   State
	To     State
	Device Device
}

func (t Transition) String() string {
	if t.Device != DeviceNone {
		return fmt.Sprintf("%s -> %s(%s)", t.From, t.To, t.Device)
	}
	return fmt.Sprintf("%s -> %s", t.From, t.To)
}

// FatalError stops the loop: a device could not be (re)opened within its
// retry budget or a record could not be persisted.
type FatalError struct {
	Device   Device
	Attempts int
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %s", e.Device, e.Attempts, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}
