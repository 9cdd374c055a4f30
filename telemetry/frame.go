// Package telemetry carries commands and telemetry between the controller
// and a host over a byte stream.
//
// Every message is one frame: a 4-byte big-endian payload length, the CBOR
// payload, and a big-endian CRC-16/MODBUS of the payload.
package telemetry

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"github.com/sigurn/crc16"
	"go.uber.org/atomic"
)

const (
	headerLen  = 4
	trailerLen = 2

	// MaxPayload bounds the payload of one frame.
	MaxPayload = 8 << 10
)

// Frame errors. A Reader skips past them.
var (
	ErrFrameLength = errors.New("telemetry: bad frame length")
	ErrChecksum    = errors.New("telemetry: checksum mismatch")

	// ErrDecode is an intact frame whose payload does not decode.
	ErrDecode = errors.New("telemetry: undecodable payload")
)

var (
	encMode  cbor.EncMode
	decMode  cbor.DecMode
	crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)
)

func init() {
	var err error

	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("telemetry: cbor encoder mode: %v", err))
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("telemetry: cbor decoder mode: %v", err))
	}
}

// Checksum returns the frame checksum of payload.
func Checksum(payload []byte) uint16 {
	return crc16.Checksum(payload, crcTable)
}

// AppendFrame encodes v and appends the complete frame to dst.
func AppendFrame(dst []byte, v interface{}) ([]byte, error) {
	payload, err := encMode.Marshal(v)
	if err != nil {
		return dst, errors.Wrap(err, "telemetry: encode")
	}
	if len(payload) > MaxPayload {
		return dst, errors.Wrapf(ErrFrameLength, "payload of %d bytes", len(payload))
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	dst = append(dst, payload...)
	return binary.BigEndian.AppendUint16(dst, Checksum(payload)), nil
}

// WriteFrame writes v to w as one frame with a single Write.
func WriteFrame(w io.Writer, v interface{}) error {
	frame, err := AppendFrame(nil, v)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Reader reads frames from a stream, resynchronizing after corruption.
type Reader struct {
	r *bufio.Reader

	frames  atomic.Uint64
	skipped atomic.Uint64
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, headerLen+MaxPayload+trailerLen)}
}

// Next returns the payload of the next intact frame. A bad length skips one
// byte; a bad checksum skips the whole frame.
func (fr *Reader) Next() ([]byte, error) {
	for {
		payload, size, err := fr.next()
		switch {
		case err == nil:
			fr.frames.Inc()
			return payload, nil
		case errors.Is(err, ErrFrameLength), errors.Is(err, ErrChecksum):
			if _, derr := fr.r.Discard(size); derr != nil {
				return nil, derr
			}
			fr.skipped.Add(uint64(size))
		default:
			return nil, err
		}
	}
}

func (fr *Reader) next() ([]byte, int, error) {
	hdr, err := fr.r.Peek(headerLen)
	if err != nil {
		return nil, 0, err
	}
	n := int(binary.BigEndian.Uint32(hdr))
	if n == 0 || n > MaxPayload {
		return nil, 1, ErrFrameLength
	}
	frame, err := fr.r.Peek(headerLen + n + trailerLen)
	if err != nil {
		return nil, 0, err
	}
	payload := frame[headerLen : headerLen+n]
	if binary.BigEndian.Uint16(frame[headerLen+n:]) != Checksum(payload) {
		return nil, len(frame), ErrChecksum
	}
	out := make([]byte, n)
	copy(out, payload)
	if _, err := fr.r.Discard(len(frame)); err != nil {
		return nil, 0, err
	}
	return out, len(frame), nil
}

// Decode reads the next intact frame into v.
func (fr *Reader) Decode(v interface{}) error {
	payload, err := fr.Next()
	if err != nil {
		return err
	}
	if err := decMode.Unmarshal(payload, v); err != nil {
		return errors.Wrap(ErrDecode, err.Error())
	}
	return nil
}

// Frames returns the number of intact frames read.
func (fr *Reader) Frames() uint64 { return fr.frames.Load() }

// Skipped returns the number of bytes skipped while resynchronizing.
func (fr *Reader) Skipped() uint64 { return fr.skipped.Load() }
