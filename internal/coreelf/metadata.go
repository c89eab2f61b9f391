package coreelf

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const (
	// MetadataNoteName identifies the metadata note
	MetadataNoteName = "Memfault"

	// MetadataNoteType is the note type of the metadata note ("META" little-endian)
	MetadataNoteType uint32 = 0x4154454d

	// MetadataSchemaVersion is the version of the CBOR payload layout
	MetadataSchemaVersion = 1
)

// Metadata describes the device and software that produced a core dump
type Metadata struct {
	SDKVersion      string
	CapturedTime    time.Time
	DeviceSerial    string
	HardwareVersion string
	SoftwareType    string
	SoftwareVersion string
}

// metadataPayload is the CBOR map carried in the note descriptor. Field order
// is the wire order of the integer keys.
type metadataPayload struct {
	SchemaVersion   uint   `cbor:"1,keyasint"`
	SDKVersion      string `cbor:"2,keyasint"`
	CapturedTime    uint32 `cbor:"3,keyasint"`
	DeviceSerial    string `cbor:"4,keyasint"`
	HardwareVersion string `cbor:"5,keyasint"`
	SoftwareType    string `cbor:"6,keyasint"`
	SoftwareVersion string `cbor:"7,keyasint"`
}

// EncodeMetadata encodes m as the note descriptor payload
func EncodeMetadata(m Metadata) ([]byte, error) {
	payload := metadataPayload{
		SchemaVersion:   MetadataSchemaVersion,
		SDKVersion:      m.SDKVersion,
		CapturedTime:    uint32(m.CapturedTime.Unix()),
		DeviceSerial:    m.DeviceSerial,
		HardwareVersion: m.HardwareVersion,
		SoftwareType:    m.SoftwareType,
		SoftwareVersion: m.SoftwareVersion,
	}

	data, err := cbor.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return data, nil
}

// DecodeMetadata parses a note descriptor produced by EncodeMetadata
func DecodeMetadata(desc []byte) (Metadata, error) {
	var payload metadataPayload
	if err := cbor.Unmarshal(desc, &payload); err != nil {
		return Metadata{}, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if payload.SchemaVersion != MetadataSchemaVersion {
		return Metadata{}, fmt.Errorf("unsupported metadata schema version %d", payload.SchemaVersion)
	}
	return Metadata{
		SDKVersion:      payload.SDKVersion,
		CapturedTime:    time.Unix(int64(payload.CapturedTime), 0),
		DeviceSerial:    payload.DeviceSerial,
		HardwareVersion: payload.HardwareVersion,
		SoftwareType:    payload.SoftwareType,
		SoftwareVersion: payload.SoftwareVersion,
	}, nil
}

// MetadataNote builds the complete metadata note record
func MetadataNote(m Metadata, order binary.ByteOrder) ([]byte, error) {
	desc, err := EncodeMetadata(m)
	if err != nil {
		return nil, err
	}
	return EncodeNote(Note{
		Name: MetadataNoteName,
		Type: MetadataNoteType,
		Desc: desc,
	}, order), nil
}
