package transport

import (
	"fmt"

	"github.com/zde37/chordkv/pkg"
)

// ServiceName is the fully qualified gRPC service every node serves.
const ServiceName = "chordkv.v1.ChordNode"

// Method identifies one remote operation of a node.
type Method int

const (
	MethodFindSuccessor Method = iota
	MethodFindPredecessor
	MethodClosestPrecedingFinger
	MethodGetPredecessor
	MethodSetPredecessor
	MethodSuccessor
	MethodUpdateFingerTable
	MethodPutData
	MethodUpdateKeys
	MethodFindData
	MethodGetValue
	methodCount
)

var methodNames = [methodCount]string{
	MethodFindSuccessor:          "find_successor",
	MethodFindPredecessor:        "find_predecessor",
	MethodClosestPrecedingFinger: "closest_preceding_finger",
	MethodGetPredecessor:         "get_predecessor",
	MethodSetPredecessor:         "set_predecessor",
	MethodSuccessor:              "successor",
	MethodUpdateFingerTable:      "update_finger_table",
	MethodPutData:                "put_data",
	MethodUpdateKeys:             "update_keys",
	MethodFindData:               "find_data",
	MethodGetValue:               "get_value",
}

// String returns the wire name of the method.
func (m Method) String() string {
	if m < 0 || m >= methodCount {
		return fmt.Sprintf("Method(%d)", int(m))
	}
	return methodNames[m]
}

// FullName returns the gRPC path for the method.
func (m Method) FullName() string {
	return "/" + ServiceName + "/" + m.String()
}

// ParseMethod maps a wire name back to its Method.
func ParseMethod(name string) (Method, error) {
	for i, n := range methodNames {
		if n == name {
			return Method(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", pkg.ErrUnknownMethod, name)
}

// Methods returns every method in declaration order.
func Methods() []Method {
	out := make([]Method, 0, methodCount)
	for m := Method(0); m < methodCount; m++ {
		out = append(out, m)
	}
	return out
}
