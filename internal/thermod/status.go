package thermod

import "time"

// Operating statuses reported by the daemon. The daemon may add new
// values over time; consumers should pass unknown strings through
// rather than reject them.
const (
	StatusAuto    = "auto"
	StatusManual  = "manual"
	StatusOn      = "on"
	StatusOff     = "off"
	StatusTMax    = "t_max"
	StatusTMin    = "t_min"
	StatusAntiice = "tmin_antiice"
)

// Status is the daemon's status document, as returned by /status and
// /monitor.
type Status struct {
	// Status is the operating mode (auto, manual, on, off, ...).
	Status string `json:"status"`
	// HeatingStatus is 1 while the heating is firing, 0 otherwise.
	HeatingStatus int `json:"heating_status"`
	// CurrentTemperature is the measured temperature in degrees.
	CurrentTemperature float64 `json:"current_temperature"`
	// TargetTemperature is the temperature the daemon is driving toward.
	TargetTemperature float64 `json:"target_temperature"`
	// CoolingStatus is 1 while active cooling is running, 0 otherwise.
	// Only present on daemons with cooling support.
	CoolingStatus int `json:"cooling_status,omitempty"`
	// Timestamp is the Unix time the daemon produced this document.
	Timestamp int64 `json:"timestamp"`
	// Error carries the daemon's error string when it is degraded
	// (e.g. the thermometer stopped responding).
	Error string `json:"error,omitempty"`
}

// Heating reports whether the heating is currently firing.
func (s *Status) Heating() bool {
	return s.HeatingStatus == 1
}

// Cooling reports whether active cooling is currently running.
func (s *Status) Cooling() bool {
	return s.CoolingStatus == 1
}

// Time returns the status timestamp as a time.Time.
func (s *Status) Time() time.Time {
	return time.Unix(s.Timestamp, 0)
}

// Equal reports whether two status documents describe the same state.
// The timestamp is ignored: the daemon refreshes it on every read even
// when nothing changed, and the monitor uses Equal to suppress
// duplicate publishes.
func (s *Status) Equal(o *Status) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.Status == o.Status &&
		s.HeatingStatus == o.HeatingStatus &&
		s.CoolingStatus == o.CoolingStatus &&
		s.CurrentTemperature == o.CurrentTemperature &&
		s.TargetTemperature == o.TargetTemperature &&
		s.Error == o.Error
}
