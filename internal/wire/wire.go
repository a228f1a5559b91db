// Package wire defines the envelope and status taxonomy of the tensor RPC
// protocol.
package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/opentensor/BitTensor/internal/tensor"
)

// Version is the running protocol version as an int,
// (100 * major) + (10 * minor) + patch of "1.0.4".
const Version uint32 = 104

// DefaultNetworkDim is the hidden width generic TENSOR payloads must carry
// in their last dimension.
const DefaultNetworkDim = 512

// SameMajor reports whether two protocol versions can talk to each other.
func SameMajor(a, b uint32) bool {
	return a/100 == b/100
}

// ParseVersion converts a semver string to its wire integer.
func ParseVersion(v string) (uint32, error) {
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return 0, fmt.Errorf("not a valid version string: %v", v)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("not a valid version string: %v", v)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("not a valid version string: %v", v)
	}
	patch, err := strconv.Atoi(parts[2])
	if err != nil {
		return 0, fmt.Errorf("not a valid version string: %v", v)
	}
	return uint32((major * 100) + (minor * 10) + patch), nil
}

// ReturnCode is the terminal status of one RPC. The server ends every
// request with one of Success through UnknownException; the codes past
// UnknownException are assigned client side for faults the server never saw.
type ReturnCode int32

const (
	NoReturn ReturnCode = iota
	Success
	EmptyRequest
	InvalidRequest
	RequestDeserializationException
	RequestShapeException
	NotImplemented
	EmptyResponse
	UnknownException

	Timeout
	Unavailable
	ResponseDeserializationException
)

func (c ReturnCode) String() string {
	switch c {
	case NoReturn:
		return "NoReturn"
	case Success:
		return "Success"
	case EmptyRequest:
		return "EmptyRequest"
	case InvalidRequest:
		return "InvalidRequest"
	case RequestDeserializationException:
		return "RequestDeserializationException"
	case RequestShapeException:
		return "RequestShapeException"
	case NotImplemented:
		return "NotImplemented"
	case EmptyResponse:
		return "EmptyResponse"
	case UnknownException:
		return "UnknownException"
	case Timeout:
		return "Timeout"
	case Unavailable:
		return "Unavailable"
	case ResponseDeserializationException:
		return "ResponseDeserializationException"
	}
	return fmt.Sprintf("ReturnCode(%d)", int32(c))
}

// Envelope is one forward or backward request: who sent it, under which
// protocol version, and the ordered tensors of the call.
type Envelope struct {
	Version uint32              `msgpack:"version"`
	Hotkey  string              `msgpack:"hotkey"`
	Tensors []tensor.Serialized `msgpack:"tensors"`
}

// Reply carries the response envelope plus the terminal code for the
// request. Codes ride inside the body so the transport status stays free
// for transport concerns.
type Reply struct {
	Envelope
	Code    ReturnCode `msgpack:"code"`
	Message string     `msgpack:"message"`
}
