package base

import "encoding/binary"

// Header is the fixed 16-byte file header (spec §3.2).
type Header struct {
	Params
	KeyCount  uint32
	FreeCount uint32
}

// MarshalBinary encodes the header as 4 big-endian uint32s.
func (h Header) MarshalBinary() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.KeySize)
	binary.BigEndian.PutUint32(buf[4:8], h.Degree)
	binary.BigEndian.PutUint32(buf[8:12], h.KeyCount)
	binary.BigEndian.PutUint32(buf[12:16], h.FreeCount)
	return buf
}

// UnmarshalHeader decodes a 16-byte big-endian buffer into a Header.
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, &CorruptError{Reason: "short header"}
	}
	h := Header{
		Params: Params{
			KeySize: binary.BigEndian.Uint32(buf[0:4]),
			Degree:  binary.BigEndian.Uint32(buf[4:8]),
		},
		KeyCount:  binary.BigEndian.Uint32(buf[8:12]),
		FreeCount: binary.BigEndian.Uint32(buf[12:16]),
	}
	return h, nil
}
