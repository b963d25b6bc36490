package transport

import (
	"encoding/base64"
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/zde37/chordkv/internal/chord"
	"github.com/zde37/chordkv/internal/ring"
	"github.com/zde37/chordkv/pkg"
)

// Requests travel as a structpb.ListValue of positional arguments and replies
// as a single structpb.Value. Ids are numbers, which is exact for ring widths
// up to 48 bits. Payloads are base64 strings.

func newArgs(values ...*structpb.Value) *structpb.ListValue {
	return &structpb.ListValue{Values: values}
}

func idValue(id ring.ID) *structpb.Value {
	return structpb.NewNumberValue(float64(id))
}

func intValue(i int) *structpb.Value {
	return structpb.NewNumberValue(float64(i))
}

func bytesValue(b []byte) *structpb.Value {
	return structpb.NewStringValue(base64.StdEncoding.EncodeToString(b))
}

func entriesValue(entries map[string][]byte) *structpb.Value {
	fields := make(map[string]*structpb.Value, len(entries))
	for key, value := range entries {
		fields[key] = bytesValue(value)
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: fields})
}

func updateResultValue(res chord.UpdateResult) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"updated":     structpb.NewBoolValue(res.Updated),
		"predecessor": idValue(res.Predecessor),
	}})
}

func arg(args *structpb.ListValue, i int) (*structpb.Value, error) {
	values := args.GetValues()
	if i >= len(values) {
		return nil, fmt.Errorf("%w: missing argument %d", pkg.ErrInvalidArgument, i)
	}
	return values[i], nil
}

// argInt reads argument i as a whole number. Sign is preserved so handlers
// can decide what a negative id means.
func argInt(args *structpb.ListValue, i int) (int64, error) {
	v, err := arg(args, i)
	if err != nil {
		return 0, err
	}
	return numberInt(v)
}

func numberInt(v *structpb.Value) (int64, error) {
	num, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: expected a number", pkg.ErrInvalidArgument)
	}
	f := num.NumberValue
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, fmt.Errorf("%w: %v is not an integer id", pkg.ErrInvalidArgument, f)
	}
	return int64(f), nil
}

func argID(args *structpb.ListValue, i int) (ring.ID, error) {
	n, err := argInt(args, i)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: negative id %d", pkg.ErrInvalidArgument, n)
	}
	return ring.ID(n), nil
}

func argString(args *structpb.ListValue, i int) (string, error) {
	v, err := arg(args, i)
	if err != nil {
		return "", err
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("%w: argument %d is not a string", pkg.ErrInvalidArgument, i)
	}
	return s.StringValue, nil
}

func argBytes(args *structpb.ListValue, i int) ([]byte, error) {
	s, err := argString(args, i)
	if err != nil {
		return nil, err
	}
	return decodeBytes(s)
}

func argEntries(args *structpb.ListValue, i int) (map[string][]byte, error) {
	v, err := arg(args, i)
	if err != nil {
		return nil, err
	}
	st, ok := v.GetKind().(*structpb.Value_StructValue)
	if !ok {
		return nil, fmt.Errorf("%w: argument %d is not a key map", pkg.ErrInvalidArgument, i)
	}

	entries := make(map[string][]byte, len(st.StructValue.GetFields()))
	for key, field := range st.StructValue.GetFields() {
		s, ok := field.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("%w: value of %q is not a string", pkg.ErrInvalidArgument, key)
		}
		value, err := decodeBytes(s.StringValue)
		if err != nil {
			return nil, err
		}
		entries[key] = value
	}
	return entries, nil
}

func decodeBytes(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not base64: %v", pkg.ErrInvalidArgument, err)
	}
	return b, nil
}

// Reply decoding. A malformed reply means the peer is not speaking the
// protocol, which the caller treats like any other failed call.

func replyID(v *structpb.Value) (ring.ID, error) {
	n, err := numberInt(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("malformed id reply: %v", v)
	}
	return ring.ID(n), nil
}

func replyBytes(v *structpb.Value) ([]byte, error) {
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return nil, fmt.Errorf("malformed payload reply: %v", v)
	}
	b, err := base64.StdEncoding.DecodeString(s.StringValue)
	if err != nil {
		return nil, fmt.Errorf("malformed payload reply: %w", err)
	}
	return b, nil
}

func replyUpdateResult(v *structpb.Value) (chord.UpdateResult, error) {
	st, ok := v.GetKind().(*structpb.Value_StructValue)
	if !ok {
		return chord.UpdateResult{}, fmt.Errorf("malformed update reply: %v", v)
	}
	fields := st.StructValue.GetFields()

	updated, ok := fields["updated"].GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return chord.UpdateResult{}, fmt.Errorf("malformed update reply: %v", v)
	}
	pred, err := replyID(fields["predecessor"])
	if err != nil {
		return chord.UpdateResult{}, err
	}
	return chord.UpdateResult{Updated: updated.BoolValue, Predecessor: pred}, nil
}

func isNull(v *structpb.Value) bool {
	_, ok := v.GetKind().(*structpb.Value_NullValue)
	return v == nil || v.GetKind() == nil || ok
}
