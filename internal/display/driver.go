package display

// Driver is the contract the frame players and the script runner consume
// from a display device. Implementations must be safe for concurrent use
// on distinct connectors: each frame player drives exactly one connector,
// while the runner scans screens from its own goroutine.
type Driver interface {
	// ScanScreens enumerates the device's connectors with their modes.
	ScanScreens() ([]Screen, error)

	// Update submits an atomic page flip for one connector. It may block
	// briefly on the device queue. Errors are fatal to the caller.
	Update(connectorID uint32, mode Mode, atom Atom) error

	// UpdateDoneYet reports, without blocking, whether the previously
	// submitted flip on the connector has retired.
	UpdateDoneYet(connectorID uint32) (bool, error)

	// Close releases the device. No calls may follow.
	Close() error
}
