// Package wire implements the TRDP PD/MD wire frame: a fixed-layout header,
// a variable-length payload, and two safety CRCs (one over the header, one
// over the payload). It is the only package in this module that touches raw
// bytes; every other package works with *wire.Packet values.
package wire

import (
	"encoding/binary"
	"io"
)

// MsgType is the two-ASCII-character message-type magic carried in every
// header. It is kept as the literal wire encoding rather than translated
// through a numeric enum, so a packet dump is readable without a lookup
// table.
type MsgType [2]byte

var (
	MsgPDData    = MsgType{'P', 'd'} // PD data (push)
	MsgPDReply   = MsgType{'P', 'p'} // PD reply (pull response)
	MsgPDRequest = MsgType{'P', 'r'} // PD request (pull)
	MsgMDNotify  = MsgType{'M', 'n'} // MD notification
	MsgMDRequest = MsgType{'M', 'r'} // MD request (expecting reply)
	MsgMDReply   = MsgType{'M', 'p'} // MD reply (no confirm)
	MsgMDReplyQ  = MsgType{'M', 'q'} // MD reply query (confirm required)
	MsgMDConfirm = MsgType{'M', 'c'} // MD confirmation
	MsgMDError   = MsgType{'M', 'e'} // MD error
)

func (m MsgType) String() string { return string(m[:]) }

// IsPD reports whether m belongs to the PD plane.
func (m MsgType) IsPD() bool {
	return m == MsgPDData || m == MsgPDReply || m == MsgPDRequest
}

// IsMD reports whether m belongs to the MD plane.
func (m MsgType) IsMD() bool {
	return m == MsgMDNotify || m == MsgMDRequest || m == MsgMDReply ||
		m == MsgMDReplyQ || m == MsgMDConfirm || m == MsgMDError
}

func validMsgType(m MsgType) bool { return m.IsPD() || m.IsMD() }

// ProtoVersion is the wire protocol version this package speaks.
const ProtoVersion uint16 = 0x0100

const (
	// HeaderSize is the total fixed header length in bytes, including the
	// trailing headerFcs field.
	HeaderSize = 124
	// headerFcsCoveredSize is the number of leading header bytes the
	// header CRC is computed over (everything except headerFcs itself).
	headerFcsCoveredSize = HeaderSize - 4
	// TrailerSize is the payloadFcs field following the payload.
	TrailerSize = 4

	// MaxPDPayload is the largest PD payload accepted without wire
	// fragmentation.
	MaxPDPayload = 1432
	// MaxMDPayload is the largest MD payload accepted: 64 KiB minus the
	// header and trailer overhead.
	MaxMDPayload = 65536 - HeaderSize - TrailerSize

	sessionIDSize = 16
	uriSize       = 32
)

// Header is the fixed-layout PD/MD header, always HeaderSize bytes on the
// wire regardless of plane: fields not meaningful to the current MsgType are
// zero-filled rather than omitted.
type Header struct {
	SequenceCounter uint32
	ProtoVersion    uint16
	MsgType         MsgType
	ComID           uint32
	EtbTopoCnt      uint32
	OpTrnTopoCnt    uint32
	DatasetLength   uint32
	Reserved01      uint32

	// PD only.
	ReplyComID     uint32
	ReplyIPAddress uint32

	// MD only.
	SessionID      [sessionIDSize]byte
	ReplyTimeout   uint32
	SourceURI      [uriSize]byte
	DestinationURI [uriSize]byte

	// HeaderFcs is computed by Encode and verified by Decode; callers never
	// set it themselves.
	HeaderFcs uint32
}

// Packet is a decoded header plus its payload.
type Packet struct {
	Header  Header
	Payload []byte
}

// MaxPayload returns the payload ceiling for h's plane.
func (h Header) MaxPayload() int {
	if h.MsgType.IsPD() {
		return MaxPDPayload
	}
	return MaxMDPayload
}

func putHeaderBytes(buf []byte, h *Header) {
	binary.BigEndian.PutUint32(buf[0:4], h.SequenceCounter)
	binary.BigEndian.PutUint16(buf[4:6], h.ProtoVersion)
	buf[6], buf[7] = h.MsgType[0], h.MsgType[1]
	binary.BigEndian.PutUint32(buf[8:12], h.ComID)
	binary.BigEndian.PutUint32(buf[12:16], h.EtbTopoCnt)
	binary.BigEndian.PutUint32(buf[16:20], h.OpTrnTopoCnt)
	binary.BigEndian.PutUint32(buf[20:24], h.DatasetLength)
	binary.BigEndian.PutUint32(buf[24:28], h.Reserved01)
	binary.BigEndian.PutUint32(buf[28:32], h.ReplyComID)
	binary.BigEndian.PutUint32(buf[32:36], h.ReplyIPAddress)
	copy(buf[36:52], h.SessionID[:])
	binary.BigEndian.PutUint32(buf[52:56], h.ReplyTimeout)
	copy(buf[56:88], h.SourceURI[:])
	copy(buf[88:120], h.DestinationURI[:])
}

func getHeaderBytes(buf []byte) Header {
	var h Header
	h.SequenceCounter = binary.BigEndian.Uint32(buf[0:4])
	h.ProtoVersion = binary.BigEndian.Uint16(buf[4:6])
	h.MsgType = MsgType{buf[6], buf[7]}
	h.ComID = binary.BigEndian.Uint32(buf[8:12])
	h.EtbTopoCnt = binary.BigEndian.Uint32(buf[12:16])
	h.OpTrnTopoCnt = binary.BigEndian.Uint32(buf[16:20])
	h.DatasetLength = binary.BigEndian.Uint32(buf[20:24])
	h.Reserved01 = binary.BigEndian.Uint32(buf[24:28])
	h.ReplyComID = binary.BigEndian.Uint32(buf[28:32])
	h.ReplyIPAddress = binary.BigEndian.Uint32(buf[32:36])
	copy(h.SessionID[:], buf[36:52])
	h.ReplyTimeout = binary.BigEndian.Uint32(buf[52:56])
	copy(h.SourceURI[:], buf[56:88])
	copy(h.DestinationURI[:], buf[88:120])
	h.HeaderFcs = binary.BigEndian.Uint32(buf[120:124])
	return h
}

// Encode writes a complete frame (header, payload, payload CRC) to w. The
// header's SequenceCounter/MsgType/... fields must already be set by the
// caller; ProtoVersion, DatasetLength and HeaderFcs are (re)computed here.
func Encode(w io.Writer, h *Header, payload []byte) error {
	if len(payload) > h.MaxPayload() {
		return ErrTooLarge
	}
	h.ProtoVersion = ProtoVersion
	h.DatasetLength = uint32(len(payload))

	buf := make([]byte, HeaderSize+len(payload)+TrailerSize)
	putHeaderBytes(buf, h)
	h.HeaderFcs = safetyCRC(buf[:headerFcsCoveredSize])
	binary.BigEndian.PutUint32(buf[headerFcsCoveredSize:HeaderSize], h.HeaderFcs)

	copy(buf[HeaderSize:], payload)
	payloadFcs := safetyCRC(payload)
	binary.BigEndian.PutUint32(buf[HeaderSize+len(payload):], payloadFcs)

	_, err := w.Write(buf)
	return err
}

// Decode reads one complete frame from r, validating magic/version/both
// CRCs. A corrupt frame is reported as an error and must be treated by the
// caller as "no packet" — never partially trusted.
func Decode(r io.Reader) (*Packet, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, ErrTruncated
		}
		return nil, err
	}

	gotHeaderFcs := binary.BigEndian.Uint32(headerBuf[headerFcsCoveredSize:HeaderSize])
	wantHeaderFcs := safetyCRC(headerBuf[:headerFcsCoveredSize])
	if gotHeaderFcs != wantHeaderFcs {
		return nil, ErrBadHeaderCrc
	}

	h := getHeaderBytes(headerBuf)
	if h.ProtoVersion != ProtoVersion {
		return nil, ErrBadVersion
	}
	if !validMsgType(h.MsgType) {
		return nil, ErrBadMagic
	}
	if int(h.DatasetLength) > h.MaxPayload() {
		return nil, ErrTooLarge
	}

	body := make([]byte, int(h.DatasetLength)+TrailerSize)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, ErrTruncated
		}
		return nil, err
	}
	payload := body[:h.DatasetLength]
	gotPayloadFcs := binary.BigEndian.Uint32(body[h.DatasetLength:])
	wantPayloadFcs := safetyCRC(payload)
	if gotPayloadFcs != wantPayloadFcs {
		return nil, ErrBadPayloadCrc
	}

	return &Packet{Header: h, Payload: payload}, nil
}
