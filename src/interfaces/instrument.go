package interfaces

// -----------------------------------------------------------------------------
// IInstrument is the single shared instrument endpoint.
// -----------------------------------------------------------------------------

type IInstrument interface {

	// Exchange sends one command and, for queries, returns the response line.
	// It is synchronous and non-reentrant; callers must hold exclusive access.
	Exchange(command string) (string, error)
}

// -----------------------------------------------------------------------------
// IInstrumentConn is a live instrument link that can be released.
// -----------------------------------------------------------------------------

type IInstrumentConn interface {
	IInstrument
	Close() error
}
