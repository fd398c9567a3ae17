package protocol

import (
	"errors"
	"fmt"
)

// ErrVersionUnsupported is returned when the peer's protocol version falls
// outside the range this client can speak.
var ErrVersionUnsupported = errors.New("unsupported protocol version")

// NegotiateVersion validates the version a server answered against the
// version the client offered. The session speaks the server's version when
// 1 <= server <= client; version 0 is a reserved sentinel and anything
// above the client's own version is a server too new to talk to.
func NegotiateVersion(client, server uint32) (uint32, error) {
	if server == 0 || server > client {
		return 0, fmt.Errorf("%w: server=%d client=%d", ErrVersionUnsupported, server, client)
	}
	return server, nil
}
