// Package oteldhcp translates decoded DHCP frames into OpenTelemetry
// attributes, adapted from the teacher's otel package to this system's own
// wire.Frame type.
package oteldhcp

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	wire "github.com/tinkerbell/preboot-oxide/internal/wire/dhcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const keyNamespace = "DHCP"

type notFoundError struct{ optName string }

func (e *notFoundError) Error() string {
	return fmt.Sprintf("%q not found in DHCP frame", e.optName)
}

// Encoder translates one field of a frame into an OTEL key/value pair.
type Encoder func(f *wire.Frame, namespace string) (attribute.KeyValue, error)

// Encode runs encoders against f, skipping (and logging) any that don't
// find their field present.
func Encode(l logr.Logger, f *wire.Frame, namespace string, encoders ...Encoder) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for _, enc := range encoders {
		kv, err := enc(f, namespace)
		if err != nil {
			l.V(1).Info("opentelemetry attribute not added", "error", err.Error())
			continue
		}
		attrs = append(attrs, kv)
	}

	return attrs
}

// AllEncoders returns every encoder this system knows about.
func AllEncoders() []Encoder {
	return []Encoder{
		EncodeYIADDR, EncodeSIADDR, EncodeCHADDR, EncodeFile,
		EncodeOpt1, EncodeOpt51, EncodeOpt53, EncodeOpt54, EncodeOpt60,
	}
}

// EncodeOpt1 encodes the subnet mask (option 1).
func EncodeOpt1(f *wire.Frame, ns string) (attribute.KeyValue, error) {
	key := fmt.Sprintf("%v.%v.Opt1.SubnetMask", keyNamespace, ns)
	if mask, ok := f.SubnetMask(); ok {
		return attribute.String(key, mask.String()), nil
	}

	return attribute.KeyValue{}, &notFoundError{optName: key}
}

// EncodeOpt51 encodes the lease time (option 51).
func EncodeOpt51(f *wire.Frame, ns string) (attribute.KeyValue, error) {
	key := fmt.Sprintf("%v.%v.Opt51.LeaseTime", keyNamespace, ns)
	if lease, ok := f.LeaseTime(); ok {
		return attribute.Int64(key, int64(lease)), nil
	}

	return attribute.KeyValue{}, &notFoundError{optName: key}
}

// EncodeOpt53 encodes the message type (option 53).
func EncodeOpt53(f *wire.Frame, ns string) (attribute.KeyValue, error) {
	key := fmt.Sprintf("%v.%v.Opt53.MessageType", keyNamespace, ns)
	if mt := f.MessageType(); mt != wire.MessageTypeNone {
		return attribute.String(key, mt.String()), nil
	}

	return attribute.KeyValue{}, &notFoundError{optName: key}
}

// EncodeOpt54 encodes the server identifier (option 54).
func EncodeOpt54(f *wire.Frame, ns string) (attribute.KeyValue, error) {
	key := fmt.Sprintf("%v.%v.Opt54.ServerIdentifier", keyNamespace, ns)
	if sid, ok := f.ServerIdentifier(); ok {
		return attribute.String(key, sid.String()), nil
	}

	return attribute.KeyValue{}, &notFoundError{optName: key}
}

// EncodeOpt60 encodes the vendor class identifier (option 60).
func EncodeOpt60(f *wire.Frame, ns string) (attribute.KeyValue, error) {
	key := fmt.Sprintf("%v.%v.Opt60.ClassIdentifier", keyNamespace, ns)
	if cid, ok := f.ClassIdentifier(); ok && cid != "" {
		return attribute.String(key, cid), nil
	}

	return attribute.KeyValue{}, &notFoundError{optName: key}
}

// EncodeYIADDR encodes the yiaddr header field.
func EncodeYIADDR(f *wire.Frame, ns string) (attribute.KeyValue, error) {
	key := fmt.Sprintf("%v.%v.Header.yiaddr", keyNamespace, ns)
	if f.YIAddr != nil {
		return attribute.String(key, f.YIAddr.String()), nil
	}

	return attribute.KeyValue{}, &notFoundError{optName: key}
}

// EncodeSIADDR encodes the siaddr header field.
func EncodeSIADDR(f *wire.Frame, ns string) (attribute.KeyValue, error) {
	key := fmt.Sprintf("%v.%v.Header.siaddr", keyNamespace, ns)
	if f.SIAddr != nil {
		return attribute.String(key, f.SIAddr.String()), nil
	}

	return attribute.KeyValue{}, &notFoundError{optName: key}
}

// EncodeCHADDR encodes the chaddr header field.
func EncodeCHADDR(f *wire.Frame, ns string) (attribute.KeyValue, error) {
	key := fmt.Sprintf("%v.%v.Header.chaddr", keyNamespace, ns)
	if f.CHAddr != nil {
		return attribute.String(key, f.CHAddr.String()), nil
	}

	return attribute.KeyValue{}, &notFoundError{optName: key}
}

// EncodeFile encodes the boot filename, preferring option 67 over the
// legacy file header.
func EncodeFile(f *wire.Frame, ns string) (attribute.KeyValue, error) {
	key := fmt.Sprintf("%v.%v.Header.file", keyNamespace, ns)
	if name := f.BootFileName(); name != "" {
		return attribute.String(key, name), nil
	}

	return attribute.KeyValue{}, &notFoundError{optName: key}
}

// TraceparentFromContext extracts the running span's trace/span id from ctx
// and encodes them as a 26 byte value suitable for a suboption of option 43,
// so a netboot script can propagate the trace across the boot handoff. It
// returns nil when ctx carries no valid span.
func TraceparentFromContext(ctx context.Context) []byte {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil
	}
	tp := make([]byte, 0, 26)

	tid := [16]byte(sc.TraceID())
	sid := [8]byte(sc.SpanID())

	tp = append(tp, 0x00)
	tp = append(tp, tid[:]...)
	tp = append(tp, sid[:]...)
	if sc.IsSampled() {
		tp = append(tp, 0x01)
	} else {
		tp = append(tp, 0x00)
	}

	return tp
}
