package pkg

import "errors"

// Error taxonomy. Everything except ErrNotConfigured is absorbed at
// the walk level and advances the walk to the next candidate.
var (
	// ErrNotConfigured means the priority table is empty or the
	// configuration is malformed. Fatal at startup.
	ErrNotConfigured = errors.New("no connections configured")

	// ErrConnectionNotFound means the connection service has no
	// profile for a configured identifier.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrActivationFailed means the connection service refused or
	// failed to activate a connection.
	ErrActivationFailed = errors.New("connection activation failed")

	// ErrSlotSwitchFailed means the modem did not converge to the
	// requested SIM slot within the slot coordinator's wait budget.
	ErrSlotSwitchFailed = errors.New("sim slot switch failed")

	// ErrNoModem means no modem matching the configured device
	// property is present on the bus.
	ErrNoModem = errors.New("modem not found")
)
