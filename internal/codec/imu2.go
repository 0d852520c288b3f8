package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedPacket agrupa todos los motivos de descarte de un datagrama.
var ErrMalformedPacket = errors.New("malformed packet")

type Reason string

const (
	ReasonShort   Reason = "short"
	ReasonMagic   Reason = "magic"
	ReasonVersion Reason = "version"
	ReasonEmpty   Reason = "empty"
	ReasonLength  Reason = "length"
)

type DecodeError struct {
	Reason Reason
	Detail string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed packet (%s): %s", e.Reason, e.Detail)
}

func (e *DecodeError) Unwrap() error { return ErrMalformedPacket }

func malformed(r Reason, format string, args ...any) error {
	return &DecodeError{Reason: r, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf devuelve el motivo de descarte, o "" si err no es de decodificación.
func ReasonOf(err error) Reason {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Reason
	}
	return ""
}

// safeRead evita panic si el offset excede el buffer.
func safeRead(data []byte, offset, length int) ([]byte, error) {
	if offset+length > len(data) {
		return nil, malformed(ReasonShort, "tried to read %d bytes at offset %d (len=%d)", length, offset, len(data))
	}
	return data[offset : offset+length], nil
}

// DecodeHeader valida y parsea los primeros HeaderSize bytes.
func DecodeHeader(data []byte) (Header, error) {
	var h Header
	raw, err := safeRead(data, 0, HeaderSize)
	if err != nil {
		return h, err
	}

	copy(h.Magic[:], raw[offMagic:offMagic+4])
	if string(h.Magic[:]) != Magic {
		return h, malformed(ReasonMagic, "got %q", h.Magic[:])
	}
	h.Version = raw[offVersion]
	if h.Version != Version {
		return h, malformed(ReasonVersion, "got %d", h.Version)
	}
	h.DeviceID = raw[offDeviceID]
	h.Reserved = binary.LittleEndian.Uint16(raw[offReserved:])
	h.Seq = binary.LittleEndian.Uint32(raw[offSeq:])
	h.TimestampMs = binary.LittleEndian.Uint32(raw[offTimeMs:])
	h.PayloadLen = binary.LittleEndian.Uint32(raw[offLen:])
	if h.PayloadLen == 0 {
		return h, malformed(ReasonEmpty, "payload length is zero")
	}
	return h, nil
}

// Decode parsea un datagrama IMU2 completo. No tiene efectos secundarios:
// cualquier error envuelve ErrMalformedPacket.
func Decode(data []byte) (Packet, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return Packet{}, err
	}
	payload := data[HeaderSize:]
	if uint64(len(payload)) != uint64(h.PayloadLen) {
		return Packet{}, malformed(ReasonLength, "header says %d, got %d", h.PayloadLen, len(payload))
	}
	return Packet{Header: h, Samples: DecodeSamples(payload)}, nil
}

// DecodeSamples recorre el payload en pasos de 12 bytes. Los últimos
// FooterSize bytes son un footer opaco y nunca se leen como muestra:
// salen floor((len-4)/12) muestras.
func DecodeSamples(payload []byte) []Sample {
	usable := len(payload) - FooterSize
	if usable <= 0 {
		return nil
	}
	body := payload[:usable]
	samples := make([]Sample, 0, usable/SampleSize)
	for off := 0; off < usable; off += SampleSize {
		frag, err := safeRead(body, off, SampleSize)
		if err != nil {
			break
		}
		samples = append(samples, Sample{
			Ax: int16(binary.BigEndian.Uint16(frag[0:2])),
			Ay: int16(binary.BigEndian.Uint16(frag[2:4])),
			Az: int16(binary.BigEndian.Uint16(frag[4:6])),
			Gx: int16(binary.BigEndian.Uint16(frag[6:8])),
			Gy: int16(binary.BigEndian.Uint16(frag[8:10])),
			Gz: int16(binary.BigEndian.Uint16(frag[10:12])),
		})
	}
	return samples
}

// Encode arma un datagrama IMU2 (lo usan el simulador y los tests).
// PayloadLen se calcula a partir de samples y footer.
func Encode(h Header, samples []Sample, footer []byte) []byte {
	payloadLen := len(samples)*SampleSize + len(footer)
	out := make([]byte, HeaderSize, HeaderSize+payloadLen)

	copy(out[offMagic:], Magic)
	version := h.Version
	if version == 0 {
		version = Version
	}
	out[offVersion] = version
	out[offDeviceID] = h.DeviceID
	binary.LittleEndian.PutUint16(out[offReserved:], h.Reserved)
	binary.LittleEndian.PutUint32(out[offSeq:], h.Seq)
	binary.LittleEndian.PutUint32(out[offTimeMs:], h.TimestampMs)
	binary.LittleEndian.PutUint32(out[offLen:], uint32(payloadLen))

	var buf [SampleSize]byte
	for _, s := range samples {
		binary.BigEndian.PutUint16(buf[0:], uint16(s.Ax))
		binary.BigEndian.PutUint16(buf[2:], uint16(s.Ay))
		binary.BigEndian.PutUint16(buf[4:], uint16(s.Az))
		binary.BigEndian.PutUint16(buf[6:], uint16(s.Gx))
		binary.BigEndian.PutUint16(buf[8:], uint16(s.Gy))
		binary.BigEndian.PutUint16(buf[10:], uint16(s.Gz))
		out = append(out, buf[:]...)
	}
	return append(out, footer...)
}
