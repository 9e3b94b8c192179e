// Package encoder polls an absolute encoder over EtherNet/IP explicit
// messaging. It implements just enough of the encapsulation protocol to
// register a session and issue CIP Get_Attribute_Single requests against
// the encoder's position object.
package encoder

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// EtherNet/IP encapsulation commands.
const (
	cmdRegisterSession = 0x0065
	cmdSendRRData      = 0x006F
)

// CIP service codes.
const (
	serviceGetAttributeSingle = 0x0E
)

// encapsulation header is always 24 bytes, little endian throughout.
const headerSize = 24

// CIPPath addresses one attribute of one object instance. The default
// position attribute on these encoders is class 0x23, instance 1,
// attribute 0x0A.
type CIPPath struct {
	Class     uint8
	Instance  uint8
	Attribute uint8
}

// DefaultPositionPath is the position value attribute of the encoder
// position sensor object.
var DefaultPositionPath = CIPPath{Class: 0x23, Instance: 1, Attribute: 0x0A}

// header is the EtherNet/IP encapsulation header.
type header struct {
	Command       uint16
	Length        uint16
	SessionHandle uint32
	Status        uint32
	SenderContext [8]byte
	Options       uint32
}

func encodeFrame(h header, payload []byte) []byte {
	h.Length = uint16(len(payload))

	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, h)
	buf.Write(payload)
	return buf.Bytes()
}

func decodeHeader(raw []byte) (header, error) {
	var h header
	if len(raw) < headerSize {
		return h, fmt.Errorf("encapsulation header too short: %d bytes", len(raw))
	}
	if err := binary.Read(bytes.NewReader(raw[:headerSize]), binary.LittleEndian, &h); err != nil {
		return h, err
	}
	return h, nil
}

// registerSessionFrame builds the session registration request:
// protocol version 1, options 0.
func registerSessionFrame() []byte {
	payload := []byte{0x01, 0x00, 0x00, 0x00}
	return encodeFrame(header{Command: cmdRegisterSession}, payload)
}

// getAttributeFrame builds a SendRRData frame wrapping an unconnected
// Get_Attribute_Single request for the given path.
func getAttributeFrame(session uint32, path CIPPath) []byte {
	// CIP request: service, path size in words, logical segments for
	// class / instance / attribute (8-bit forms).
	cip := []byte{
		serviceGetAttributeSingle,
		3, // path size: three 16-bit words
		0x20, path.Class,
		0x24, path.Instance,
		0x30, path.Attribute,
	}

	// Common packet format: interface handle and timeout, then two
	// items: a null address item and an unconnected data item carrying
	// the CIP request.
	payload := &bytes.Buffer{}
	binary.Write(payload, binary.LittleEndian, uint32(0)) // interface handle: CIP
	binary.Write(payload, binary.LittleEndian, uint16(1)) // timeout, seconds

	binary.Write(payload, binary.LittleEndian, uint16(2))        // item count
	binary.Write(payload, binary.LittleEndian, uint16(0x0000))   // null address item
	binary.Write(payload, binary.LittleEndian, uint16(0))        // ...empty
	binary.Write(payload, binary.LittleEndian, uint16(0x00B2))   // unconnected data item
	binary.Write(payload, binary.LittleEndian, uint16(len(cip))) // CIP length
	payload.Write(cip)

	return encodeFrame(header{Command: cmdSendRRData, SessionHandle: session}, payload.Bytes())
}

// parseAttributeResponse extracts the attribute value bytes from a
// SendRRData reply payload (everything after the encapsulation header).
func parseAttributeResponse(payload []byte) ([]byte, error) {
	// Interface handle (4) + timeout (2) + item count (2).
	if len(payload) < 8 {
		return nil, fmt.Errorf("reply payload too short: %d bytes", len(payload))
	}
	itemCount := binary.LittleEndian.Uint16(payload[6:8])
	if itemCount < 2 {
		return nil, fmt.Errorf("reply carries %d items, want 2", itemCount)
	}

	rest := payload[8:]

	// Skip the address item, then land on the data item.
	for i := 0; i < int(itemCount); i++ {
		if len(rest) < 4 {
			return nil, fmt.Errorf("truncated common packet item")
		}
		itemType := binary.LittleEndian.Uint16(rest[0:2])
		itemLen := int(binary.LittleEndian.Uint16(rest[2:4]))
		rest = rest[4:]
		if len(rest) < itemLen {
			return nil, fmt.Errorf("truncated item data: have %d, want %d", len(rest), itemLen)
		}

		if itemType == 0x00B2 {
			return parseCIPReply(rest[:itemLen])
		}
		rest = rest[itemLen:]
	}

	return nil, fmt.Errorf("no unconnected data item in reply")
}

// parseCIPReply validates the Get_Attribute_Single reply and returns the
// attribute data.
func parseCIPReply(cip []byte) ([]byte, error) {
	// Reply service, reserved, general status, additional status size.
	if len(cip) < 4 {
		return nil, fmt.Errorf("CIP reply too short: %d bytes", len(cip))
	}
	if cip[0] != serviceGetAttributeSingle|0x80 {
		return nil, fmt.Errorf("unexpected CIP reply service 0x%02X", cip[0])
	}
	if status := cip[2]; status != 0 {
		return nil, fmt.Errorf("CIP error status 0x%02X", status)
	}

	extra := int(cip[3]) * 2
	if len(cip) < 4+extra {
		return nil, fmt.Errorf("truncated CIP additional status")
	}
	return cip[4+extra:], nil
}

// parseDINT reads a little endian 32-bit value.
func parseDINT(data []byte) (uint32, error) {
	if len(data) < 4 {
		return 0, fmt.Errorf("attribute data too short for DINT: %d bytes", len(data))
	}
	return binary.LittleEndian.Uint32(data[:4]), nil
}
