// SPDX-License-Identifier: MIT

// Package at provides a low level driver for AT modems.
package at

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// AT represents a modem that can be managed using AT commands.
//
// Commands are issued to the modem using the Command method. Lines the modem
// sends outside a command response, and lines matching a registered
// unsolicited prefix at any time, are published on the channel returned by
// Unsolicited.
//
// The AT closes the closed channel, and then the unsolicited channel, when
// the connection to the underlying modem is broken (Read returns EOF).
//
// When closed, all outstanding commands return ErrClosed and the state of the
// underlying modem becomes unknown.
//
// Once closed the AT cannot be re-opened - it must be recreated.
type AT struct {
	// channel for commands issued to the modem
	cmdCh chan func()

	// closed when modem is closed
	closed chan struct{}

	// channel for all lines read from the modem
	iLines chan string

	// channel for lines read from the modem after unsolicited lines removed
	cLines chan string

	// channel for unsolicited lines published to the caller
	urcs chan string

	// the underlying modem
	modem io.ReadWriter

	// the minimum quiet period between two commands
	gapTime time.Duration

	// the maximum time allowed for a command to complete
	cmdTimeout time.Duration

	// prefixes identifying unsolicited lines, fixed at construction
	prefixes []string

	log *zap.Logger

	// covers gapGuard
	gapGuardMu sync.Mutex

	// if not-nil, the time the subsequent command must wait
	gapGuard <-chan time.Time
}

// maxResponse caps the info accumulated for one command; a response still
// growing past this point is returned truncated.
const maxResponse = 1 << 20

// urcBacklog is the buffering on the unsolicited channel. Once full,
// publication blocks rather than dropping lines.
const urcBacklog = 128

// Option is a construction option for an AT.
type Option func(*AT)

// New creates a new AT modem.
func New(modem io.ReadWriter, options ...Option) *AT {
	a := &AT{
		modem:      modem,
		cmdCh:      make(chan func()),
		iLines:     make(chan string),
		cLines:     make(chan string),
		urcs:       make(chan string, urcBacklog),
		closed:     make(chan struct{}),
		gapTime:    100 * time.Millisecond,
		cmdTimeout: 2 * time.Second,
	}
	for _, option := range options {
		option(a)
	}
	if a.log == nil {
		a.log = zap.NewNop()
	}
	go lineReader(a.modem, a.iLines)
	go a.urcLoop(a.iLines, a.cLines)
	go a.cmdLoop()
	return a
}

// WithGapTime sets the quiet period between commands.
//
// A command waits until the guard period from the end of the previous
// command has elapsed before being written to the modem. Lines arriving
// during the wait are published as unsolicited.
//
// The default gap time is 100msec.
func WithGapTime(d time.Duration) Option {
	return func(a *AT) {
		a.gapTime = d
	}
}

// WithTimeout sets the maximum time allowed for a command to complete.
//
// The timeout applies from the command being written to the modem. A zero
// duration disables the timeout, leaving the deadline to the caller's
// context.
//
// The default timeout is 2sec.
func WithTimeout(d time.Duration) Option {
	return func(a *AT) {
		a.cmdTimeout = d
	}
}

// WithUnsolicited registers the line prefixes identifying unsolicited result
// codes.
//
// Lines beginning with one of the prefixes are removed from the response
// stream in all states, including while a command is pending, and published
// on the unsolicited channel instead. The set is fixed for the life of the
// AT.
func WithUnsolicited(prefixes ...string) Option {
	return func(a *AT) {
		a.prefixes = append(a.prefixes, prefixes...)
	}
}

// WithLogger sets the logger used by the AT.
//
// The default logger discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(a *AT) {
		a.log = log
	}
}

// Closed returns a channel which will block while the modem is not closed.
func (a *AT) Closed() <-chan struct{} {
	return a.closed
}

// Unsolicited returns the channel unsolicited lines are published on.
//
// The channel delivers, in arrival order, every line matching a registered
// unsolicited prefix and every non-empty line received while no command is
// pending. The caller must drain the channel until it is closed, which
// happens after the closed channel closes.
func (a *AT) Unsolicited() <-chan string {
	return a.urcs
}

// Command issues the command to the modem and returns the result.
//
// The command should NOT include the AT prefix, nor the <CR> suffix, which is
// automatically added.
//
// The return value includes the info (the lines returned by the modem between
// the command and the status line), or an error if the command did not
// complete successfully.
//
// A command that produces info but no status line within the command timeout
// returns the partial info without error. One that produces nothing at all
// returns ErrDisconnected, as the most likely cause is a dead transport.
func (a *AT) Command(ctx context.Context, cmd string) ([]string, error) {
	done := make(chan response)
	cmdf := func() {
		info, err := a.processReq(ctx, cmd)
		done <- response{info: info, err: err}
	}
	select {
	case <-a.closed:
		return nil, ErrClosed
	case a.cmdCh <- cmdf:
		rsp := <-done
		return rsp.info, rsp.err
	}
}

// cmdLoop serialises the issuing of commands and awaits the responses.
//
// Lines received while no command is pending are published as unsolicited so
// nothing read from the modem is dropped.
//
// The cmdLoop terminates when the line pipeline closes, closing the closed
// channel and then the unsolicited channel.
func (a *AT) cmdLoop() {
	for {
		select {
		case cmd := <-a.cmdCh:
			cmd()
		case line, ok := <-a.cLines:
			if !ok {
				close(a.closed)
				close(a.urcs)
				return
			}
			if line != "" {
				a.urcs <- line
			}
		}
	}
}

// lineReader takes lines from m and redirects them to out.
//
// lineReader exits when m closes.
func lineReader(m io.Reader, out chan string) {
	scanner := bufio.NewScanner(m)
	scanner.Split(scanLines)
	for scanner.Scan() {
		out <- scanner.Text()
	}
	close(out) // tell pipeline we're done - end of pipeline will close the AT.
}

// urcLoop pulls unsolicited lines from the stream of lines read from the
// modem and publishes them to the unsolicited channel.
//
// Non-matching lines are passed upstream to the command loop.
//
// urcLoop exits when the in channel closes.
func (a *AT) urcLoop(in <-chan string, out chan string) {
	defer close(out)
	for line := range in {
		if a.isUnsolicited(line) {
			a.urcs <- line
			continue
		}
		out <- line
	}
}

func (a *AT) isUnsolicited(line string) bool {
	for _, prefix := range a.prefixes {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func (a *AT) processReq(ctx context.Context, cmd string) (info []string, err error) {
	a.waitGapGuard()
	defer a.startGapGuard()
	err = a.writeCommand(cmd)
	if err != nil {
		return
	}
	if a.cmdTimeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cmdTimeout)
		defer cancel()
	}
	cmdID := parseCmdID(cmd)
	size := 0
	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				if len(info) == 0 {
					a.log.Warn("command timed out with no response",
						zap.String("cmd", cmd))
					err = ErrDisconnected
					return
				}
				// partial response; the terminator never arrived
				return
			}
			err = ctx.Err()
			return
		case line, ok := <-a.cLines:
			if !ok {
				err = ErrClosed
				return
			}
			if line == "" {
				continue
			}
			size += len(line)
			if size > maxResponse {
				a.log.Warn("response truncated",
					zap.String("cmd", cmd),
					zap.Int("size", size))
				return
			}
			lt := parseRxLine(line, cmdID)
			i, done, perr := a.processRxLine(lt, line)
			if i != nil {
				info = append(info, *i)
			}
			if perr != nil {
				err = perr
				return
			}
			if done {
				return
			}
		}
	}
}

// processRxLine parses a line received from the modem and determines how it
// adds to the response for the current command.
//
// The return values are:
//   - a line of info to be added to the response (optional)
//   - a flag indicating if the command is complete.
//   - an error detected while processing the command.
func (a *AT) processRxLine(lt rxl, line string) (info *string, done bool, err error) {
	switch lt {
	case rxlStatusOK:
		done = true
	case rxlStatusError:
		err = newError(line)
	case rxlUnknown, rxlInfo:
		info = &line
	case rxlConnect:
		info = &line
		done = true
	case rxlConnectError:
		err = ConnectError(line)
	}
	return
}

// startGapGuard starts a write guard that prevents a subsequent write within
// the gap time.
func (a *AT) startGapGuard() {
	a.gapGuardMu.Lock()
	a.gapGuard = time.After(a.gapTime)
	a.gapGuardMu.Unlock()
}

// waitGapGuard waits for the write guard to allow a write to the modem.
//
// Lines arriving during the wait belong to no command and are published as
// unsolicited.
func (a *AT) waitGapGuard() {
	a.gapGuardMu.Lock()
	defer a.gapGuardMu.Unlock()
	if a.gapGuard == nil {
		return
	}
	for {
		select {
		case line, ok := <-a.cLines:
			if !ok {
				return
			}
			if line != "" {
				a.urcs <- line
			}
		case <-a.gapGuard:
			a.gapGuard = nil
			return
		}
	}
}

// writeCommand writes a one line command to the modem.
func (a *AT) writeCommand(cmd string) error {
	cmdLine := "AT" + cmd + "\r"
	_, err := a.modem.Write([]byte(cmdLine))
	return err
}

// CMEError indicates a CME Error was returned by the modem.
//
// The value is the error value, in string form, which may be the numeric or
// textual, depending on the modem configuration.
type CMEError string

// CMSError indicates a CMS Error was returned by the modem.
//
// The value is the error value, in string form, which may be the numeric or
// textual, depending on the modem configuration.
type CMSError string

// ConnectError indicates an attempt to dial failed.
//
// The value of the error is the failure indication returned by the modem.
type ConnectError string

func (e CMEError) Error() string {
	return string("CME Error: " + e)
}

func (e CMSError) Error() string {
	return string("CMS Error: " + e)
}

func (e ConnectError) Error() string {
	return string("Connect: " + e)
}

var (
	// ErrClosed indicates an operation cannot be performed as the modem has
	// been closed.
	ErrClosed = errors.New("closed")

	// ErrDisconnected indicates the modem returned nothing at all for a
	// command, which is taken as the transport being dead even if the
	// connection is nominally still open.
	ErrDisconnected = errors.New("disconnected")

	// ErrError indicates the modem returned a generic AT ERROR in response to
	// an operation.
	ErrError = errors.New("ERROR")
)

// newError parses a line and creates an error corresponding to the content.
func newError(line string) error {
	var err error
	switch {
	case strings.HasPrefix(line, "ERROR"):
		err = ErrError
	case strings.HasPrefix(line, "+CMS ERROR:"):
		err = CMSError(strings.TrimSpace(line[11:]))
	case strings.HasPrefix(line, "+CME ERROR:"):
		err = CMEError(strings.TrimSpace(line[11:]))
	}
	return err
}

// response represents the result of a request operation performed on the
// modem.
//
// info is the collection of lines returned between the command and the status
// line. err corresponds to any error returned by the modem or while
// interacting with the modem.
type response struct {
	info []string
	err  error
}

// Received line types.
type rxl int

const (
	rxlUnknown rxl = iota
	rxlEchoCmdLine
	rxlInfo
	rxlStatusOK
	rxlStatusError
	rxlConnect
	rxlConnectError
)

// parseCmdID returns the identifier component of the command.
//
// This is the section prior to any '=' or '?' and is generally, but not
// always, used to prefix info lines corresponding to the command.
func parseCmdID(cmdLine string) string {
	if idx := strings.IndexAny(cmdLine, "=?"); idx != -1 {
		return cmdLine[0:idx]
	}
	return cmdLine
}

// parseRxLine parses a received line and identifies the line type.
func parseRxLine(line string, cmdID string) rxl {
	switch {
	case line == "OK":
		return rxlStatusOK
	case strings.HasPrefix(line, "ERROR"),
		strings.HasPrefix(line, "+CME ERROR:"),
		strings.HasPrefix(line, "+CMS ERROR:"):
		return rxlStatusError
	case strings.HasPrefix(line, cmdID+":"):
		return rxlInfo
	case strings.HasPrefix(line, "AT"+cmdID):
		return rxlEchoCmdLine
	case len(cmdID) == 0 || cmdID[0] != 'D':
		// Short circuit non-ATD commands.
		// No attempt to identify SMS PDUs at this level, so they will
		// be caught here, along with other unidentified lines.
		return rxlUnknown
	case strings.HasPrefix(line, "CONNECT"):
		return rxlConnect
	case line == "BUSY",
		line == "NO ANSWER",
		line == "NO CARRIER",
		line == "NO DIALTONE":
		return rxlConnectError
	default:
		// No attempt to identify SMS PDUs at this level, so they will
		// be caught here, along with other unidentified lines.
		return rxlUnknown
	}
}

// scanLines is a custom line scanner for lineReader that recognises the
// prompt returned by the modem in response to SMS commands such as +CMGS.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	// handle SMS prompt special case - no CR at prompt
	if len(data) >= 1 && data[0] == '>' {
		i := 1
		// there may be trailing space, so swallow that...
		for ; i < len(data) && data[i] == ' '; i++ {
		}
		return i, data[0:1], nil
	}
	return bufio.ScanLines(data, atEOF)
}
