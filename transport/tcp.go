// SPDX-License-Identifier: MIT

package transport

import (
	"io"
	"net"
	"strconv"

	"github.com/pkg/errors"

	"atgateway/config"
)

// dialTCP connects to a modem serving its AT interface over TCP.
//
// Reads block until data arrives; Close unblocks any pending read, which is
// how a disconnect propagates to the arbiter.
func dialTCP(cfg config.Network) (io.ReadWriteCloser, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	conn, err := net.DialTimeout("tcp", addr, cfg.Timeout())
	if err != nil {
		return nil, errors.Wrap(err, "dial modem")
	}
	return conn, nil
}
