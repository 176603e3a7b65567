// SPDX-License-Identifier: MIT

// Package transport opens the byte stream between the gateway and the modem.
//
// Three backends are provided: TCP to a modem exposing its AT interface on a
// network port, a directly opened serial device, and a helper that shells
// out to tom_modem for each command on systems where the device cannot be
// held open. All three present an io.ReadWriteCloser; the arbiter owns the
// returned connection exclusively.
package transport

import (
	"io"

	"github.com/pkg/errors"

	"atgateway/config"
)

// New opens the transport selected by the connection configuration.
func New(cfg config.Connection) (io.ReadWriteCloser, error) {
	switch cfg.Type {
	case config.ConnNetwork:
		return dialTCP(cfg.Network)
	case config.ConnSerial:
		if cfg.Serial.Method == config.MethodHelper {
			return newHelper(cfg.Serial), nil
		}
		return openSerial(cfg.Serial)
	default:
		return nil, errors.Errorf("unknown connection type '%s'", cfg.Type)
	}
}
