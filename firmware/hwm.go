// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package firmware

import (
	"context"
	"encoding/binary"

	"github.com/rspy/rstest/errors"
)

// Hardware-monitor opcodes.
const (
	OpcodeReadTable          uint32 = 0x09
	OpcodeResetUpdateCounter uint32 = 0x86
)

const (
	hwmMagic      = 0xcdab
	hwmMaxParams  = 4
	hwmHeaderSize = 4

	// Size of opcode and parameters, which the length field counts.
	hwmBodySize = 4 + 4*hwmMaxParams

	updateCounterIndex = 0x30
	updateCounterSize  = 0x2
)

// ProductLineD400 is the only product line with an update counter.
const ProductLineD400 = "D400"

// Device is a camera device as seen by the update flow.
type Device interface {
	// Name returns the product name, e.g. "Intel RealSense D435".
	Name() string
	// ProductLine returns the product line, e.g. "D400".
	ProductLine() string
	// FirmwareVersion returns the version of the running firmware.
	FirmwareVersion() string
	// RecommendedFirmwareVersion returns the version bundled with the SDK.
	RecommendedFirmwareVersion() string
	// IsUpdateDevice reports whether the device is in recovery mode.
	IsUpdateDevice() bool
	// SendAndReceive sends a raw hardware-monitor command and returns the
	// raw response.
	SendAndReceive(ctx context.Context, cmd []byte) ([]byte, error)
}

// Enumerator lists connected devices.
type Enumerator interface {
	Query(ctx context.Context) ([]Device, error)
}

// BuildCommand encodes a hardware-monitor command with up to four
// parameters. Missing parameters are zero.
func BuildCommand(opcode uint32, params ...uint32) ([]byte, error) {
	if len(params) > hwmMaxParams {
		return nil, errors.Errorf("too many parameters: %d > %d", len(params), hwmMaxParams)
	}
	b := make([]byte, hwmHeaderSize+hwmBodySize)
	binary.LittleEndian.PutUint16(b[0:], hwmBodySize)
	binary.LittleEndian.PutUint16(b[2:], hwmMagic)
	binary.LittleEndian.PutUint32(b[4:], opcode)
	for i, p := range params {
		binary.LittleEndian.PutUint32(b[8+4*i:], p)
	}
	return b, nil
}

// SendCommand sends a hardware-monitor command to d and returns the response
// payload with the echoed opcode stripped.
func SendCommand(ctx context.Context, d Device, opcode uint32, params ...uint32) ([]byte, error) {
	cmd, err := BuildCommand(opcode, params...)
	if err != nil {
		return nil, err
	}
	res, err := d.SendAndReceive(ctx, cmd)
	if err != nil {
		return nil, errors.Wrapf(err, "hardware-monitor command 0x%x failed", opcode)
	}
	if len(res) < 4 {
		return nil, errors.Errorf("short response to hardware-monitor command 0x%x: %d bytes", opcode, len(res))
	}
	return res[4:], nil
}

func requireD400(d Device) error {
	if pl := d.ProductLine(); pl != ProductLineD400 {
		return errors.Errorf("incompatible product line: %s", pl)
	}
	return nil
}

// UpdateCounter returns how many times the device firmware was updated.
func UpdateCounter(ctx context.Context, d Device) (int, error) {
	if err := requireD400(d); err != nil {
		return 0, err
	}
	res, err := SendCommand(ctx, d, OpcodeReadTable, updateCounterIndex, updateCounterSize)
	if err != nil {
		return 0, err
	}
	if len(res) == 0 {
		return 0, errors.New("empty update counter response")
	}
	return int(res[0]), nil
}

// ResetUpdateCounter sets the update counter of the device back to zero.
func ResetUpdateCounter(ctx context.Context, d Device) error {
	if err := requireD400(d); err != nil {
		return err
	}
	_, err := SendCommand(ctx, d, OpcodeResetUpdateCounter)
	return err
}
