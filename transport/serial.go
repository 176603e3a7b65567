// SPDX-License-Identifier: MIT

package transport

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"

	"atgateway/config"
)

// readPoll bounds how long a serial read blocks so Close can take effect.
const readPoll = 200 * time.Millisecond

type serialConn struct {
	p      *serial.Port
	closed atomic.Bool
}

// openSerial opens the serial device directly.
func openSerial(cfg config.Serial) (io.ReadWriteCloser, error) {
	p, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.BaudRate,
		ReadTimeout: readPoll,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open serial port")
	}
	return &serialConn{p: p}, nil
}

// Read blocks until data arrives or the port is closed.
//
// tarm surfaces the read timeout as a bare EOF, which must not leak to the
// caller as end of stream while the port is still open.
func (c *serialConn) Read(p []byte) (n int, err error) {
	for {
		if c.closed.Load() {
			return 0, io.EOF
		}
		n, err = c.p.Read(p)
		if n == 0 && err == io.EOF {
			continue
		}
		return n, err
	}
}

func (c *serialConn) Write(p []byte) (n int, err error) {
	if c.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	return c.p.Write(p)
}

func (c *serialConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.p.Close()
}
