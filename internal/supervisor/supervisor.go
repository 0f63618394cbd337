// Package supervisor wires the three cooperating tasks spec.md §4.5/§5
// describes — engine, line monitor, operator — into one cancel-safe unit,
// and owns startup/shutdown and forced-restart orchestration.
//
// Grounded on spec.md §9 DESIGN NOTES strategy (b): dedicated goroutines,
// a context.Context checked between packets, and close/reopen of the
// serial handle to unblock any goroutine parked in a blocking read. This
// replaces the reference implementation's pthread_cancel-based restart,
// explicitly marked unreliable in original_source/tu58drive.c.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/northbridge-retro/tu58em/internal/config"
	"github.com/northbridge-retro/tu58em/internal/console"
	"github.com/northbridge-retro/tu58em/internal/emulog"
	"github.com/northbridge-retro/tu58em/internal/flags"
	"github.com/northbridge-retro/tu58em/internal/rsp"
	"github.com/northbridge-retro/tu58em/internal/serialport"
	"github.com/northbridge-retro/tu58em/internal/tape"
)

// Version is the banner version string, reported on -V/--version and at
// startup, mirroring original_source/tu58drive.c's startup banner line.
const Version = "2.0"

// monitorPoll is the line-monitor task's polling interval for RxError(),
// grounded on spec.md §4.5's "~5ms" figure for out-of-band status checks.
const monitorPoll = 5 * time.Millisecond

// Supervisor owns one serial port, one tape store, the shared toggle
// block, and the operator console, and coordinates their three tasks.
type Supervisor struct {
	cfg    config.Config
	store  *tape.Store
	log    *emulog.Logger
	tgl    *flags.Toggles
	con    *console.Console
	portFn func() (*serialport.Port, error)

	mu   sync.Mutex
	port *serialport.Port
}

// New builds a Supervisor. portFn is called at startup and on every
// forced restart to (re)open the serial device, since spec.md §9's
// chosen strategy unblocks a stuck reader by closing and reopening the
// handle rather than cancelling its goroutine.
func New(cfg config.Config, store *tape.Store, log *emulog.Logger, tgl *flags.Toggles, con *console.Console, portFn func() (*serialport.Port, error)) *Supervisor {
	return &Supervisor{cfg: cfg, store: store, log: log, tgl: tgl, con: con, portFn: portFn}
}

// Run opens the serial line, prints the startup banner, and runs the
// engine/monitor/operator tasks until the operator presses Q, ctx is
// cancelled, or the serial port cannot be (re)opened. A BREAK, the R key,
// or an engine error restarts the tasks on a freshly opened port, with no
// limit on the number of restarts.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("TU58 emulation start", "version", Version)
	if !s.cfg.Background {
		s.log.Info("keys: V=verbose D=debug S=continuous-init R=restart Q=quit")
	}

	for {
		restart, err := s.runOnce(ctx)
		if err != nil {
			return err
		}
		if !restart {
			return nil
		}
		s.log.Info("restarting line")
	}
}

// runOnce opens the port, runs all three tasks until one of them asks for
// a restart or the context is cancelled, and closes the port before
// returning. The bool return reports whether the caller should reopen
// and run again.
func (s *Supervisor) runOnce(ctx context.Context) (restart bool, err error) {
	port, err := s.portFn()
	if err != nil {
		return false, fmt.Errorf("supervisor: open serial port: %w", err)
	}
	s.mu.Lock()
	s.port = port
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.port.Close()
		s.port = nil
		s.mu.Unlock()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	engine := rsp.New(port, s.store, s.log, s.cfg.Timing, s.tgl)

	var wg sync.WaitGroup
	restartCh := make(chan struct{}, 1)
	quitCh := make(chan struct{}, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.SendStartupInit(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := engine.Run(runCtx); err != nil && runCtx.Err() == nil {
			s.log.Error("engine stopped", "err", err)
			select {
			case restartCh <- struct{}{}:
			default:
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.monitorLine(runCtx, port, restartCh)
	}()

	if s.con != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runOperator(runCtx, restartCh, quitCh)
		}()
	}

	select {
	case <-ctx.Done():
		cancel()
		wg.Wait()
		return false, nil
	case <-quitCh:
		cancel()
		wg.Wait()
		return false, nil
	case <-restartCh:
		cancel()
		wg.Wait()
		return true, nil
	}
}

// monitorLine polls the serial port's out-of-band error/BREAK status,
// requesting a restart on BREAK and only logging a line error, per
// spec.md §4.5 ("the monitor uses an out-of-band error-event interface,
// not rx_get").
func (s *Supervisor) monitorLine(ctx context.Context, port *serialport.Port, restartCh chan<- struct{}) {
	ticker := time.NewTicker(monitorPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			switch port.RxError() {
			case serialport.EventBreak:
				s.log.Info("BREAK detected, restarting line")
				select {
				case restartCh <- struct{}{}:
				default:
				}
				return
			case serialport.EventError:
				s.log.Error("line error detected")
			}
		}
	}
}

// runOperator polls the console for single-key commands and acts on
// them, per spec.md §4.5's V/D/S/R/Q key legend.
func (s *Supervisor) runOperator(ctx context.Context, restartCh, quitCh chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		key, err := s.con.ReadKey(50)
		if err != nil {
			return
		}
		switch key {
		case console.KeyVerbose:
			v := s.tgl.ToggleVerbose()
			s.log.Info("verbose toggled", "on", v)
		case console.KeyDebug:
			d := s.tgl.ToggleDebug()
			s.log.SetVerbose(d)
			s.log.Info("debug toggled", "on", d)
		case console.KeySendInit:
			v := s.tgl.ToggleSendInit()
			s.log.Info("continuous INIT toggled", "on", v)
		case console.KeyRestart:
			s.log.Info("operator requested restart")
			select {
			case restartCh <- struct{}{}:
			default:
			}
			return
		case console.KeyQuit:
			s.log.Info("operator requested quit")
			select {
			case quitCh <- struct{}{}:
			default:
			}
			return
		}
	}
}
