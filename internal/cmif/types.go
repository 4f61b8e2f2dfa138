// Package cmif owns the command layer carried inside hipc messages: the
// SFCI/SFCO headers, domain headers, inline object ids and the out-pointer
// size table.
package cmif

import (
	"encoding/binary"
	"errors"
)

const (
	InHeaderMagic  uint32 = 0x49434653 // "SFCI"
	OutHeaderMagic uint32 = 0x4F434653 // "SFCO"

	inHeaderSize        = 16
	outHeaderSize       = 16
	domainInHeaderSize  = 16
	domainOutHeaderSize = 16
)

// CommandType is the hipc message type used by cmif.
type CommandType uint16

const (
	CommandTypeInvalid            CommandType = 0
	CommandTypeLegacyRequest      CommandType = 1
	CommandTypeClose              CommandType = 2
	CommandTypeLegacyControl      CommandType = 3
	CommandTypeRequest            CommandType = 4
	CommandTypeControl            CommandType = 5
	CommandTypeRequestWithContext CommandType = 6
	CommandTypeControlWithContext CommandType = 7
)

// DomainRequestType selects what a domain header asks of its object.
type DomainRequestType uint8

const (
	DomainRequestInvalid     DomainRequestType = 0
	DomainRequestSendMessage DomainRequestType = 1
	DomainRequestClose       DomainRequestType = 2
)

// Control command ids.
const (
	ControlConvertCurrentObjectToDomain uint32 = 0
	ControlCopyFromCurrentDomain        uint32 = 1
	ControlCloneCurrentObject           uint32 = 2
	ControlQueryPointerBufferSize       uint32 = 3
	ControlCloneCurrentObjectEx         uint32 = 4
)

var (
	ErrInvalidOutHeader = errors.New("cmif: invalid out header magic")
	ErrInvalidInHeader  = errors.New("cmif: invalid in header magic")
	ErrTruncated        = errors.New("cmif: payload runs past message buffer")
	ErrMissingObject    = errors.New("cmif: response has no more objects")
	ErrMissingHandle    = errors.New("cmif: response has no more handles")
	ErrTooManyObjects   = errors.New("cmif: too many objects for domain header")
)

// alignedDataStart returns the 16-byte aligned offset of the cmif payload
// given the offset of the first hipc data word.
func alignedDataStart(dataWordsOffset int) int {
	return (dataWordsOffset + 15) &^ 15
}

func putInHeader(b []byte, version, commandID, token uint32) {
	binary.LittleEndian.PutUint32(b[0:4], InHeaderMagic)
	binary.LittleEndian.PutUint32(b[4:8], version)
	binary.LittleEndian.PutUint32(b[8:12], commandID)
	binary.LittleEndian.PutUint32(b[12:16], token)
}

// DomainInHeader prefixes requests addressed to a domain object.
type DomainInHeader struct {
	Type         DomainRequestType
	NumInObjects uint8
	DataSize     uint16
	ObjectID     uint32
	Token        uint32
}

func putDomainInHeader(b []byte, h DomainInHeader) {
	b[0] = byte(h.Type)
	b[1] = h.NumInObjects
	binary.LittleEndian.PutUint16(b[2:4], h.DataSize)
	binary.LittleEndian.PutUint32(b[4:8], h.ObjectID)
	binary.LittleEndian.PutUint32(b[8:12], 0)
	binary.LittleEndian.PutUint32(b[12:16], h.Token)
}

func getDomainInHeader(b []byte) DomainInHeader {
	return DomainInHeader{
		Type:         DomainRequestType(b[0]),
		NumInObjects: b[1],
		DataSize:     binary.LittleEndian.Uint16(b[2:4]),
		ObjectID:     binary.LittleEndian.Uint32(b[4:8]),
		Token:        binary.LittleEndian.Uint32(b[12:16]),
	}
}
