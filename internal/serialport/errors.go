package serialport

// Error wraps a lower-level syscall/ioctl failure with a short descriptive
// message, the same shape as Daedaluz-goserial's error.go. Kept rather than
// discarded since every Open/ioctl failure path in this package still wants
// "what operation, what underlying errno" composability via errors.Unwrap.
type Error struct {
	msg string
	err error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

func wrapErr(msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{msg: msg, err: err}
}
