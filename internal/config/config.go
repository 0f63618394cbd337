// Package config holds the immutable, parsed-once startup configuration
// for the emulator, separate from the small atomic toggle block in
// internal/flags that the operator task mutates at runtime.
package config

// Config is built once in main from parsed CLI flags and passed by value
// into the supervisor and engine constructors. It never changes after
// startup — the operator-toggleable subset lives in internal/flags
// instead.
type Config struct {
	Port      string // device path, or "N" resolved to a platform device number
	Baud      int
	StopBits  int
	Timing    int  // 0, 1, or 2; see rsp.TimingProfiles
	NoSync    bool // suppress startup INIT emission
	VAX       bool // set by -x; no component reads it, engine delays are unchanged
	Background bool // no console I/O except errors
	MRSPDetect bool // advertise MRSP capability in GETCHAR responses

	// Units are opened in command-line order; each entry names a path and
	// the tape.Mode it was requested under (-r/-w/-c/-i/-z).
	Units []UnitSpec
}

// UnitSpec is one -r/-w/-c/-i/-z occurrence, in the order it appeared on
// the command line.
type UnitSpec struct {
	Path string
	Mode string // "read", "write", "create", "rt11", "xxdp"
}
