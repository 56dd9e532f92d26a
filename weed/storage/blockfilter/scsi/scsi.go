// Package scsi serves SCSI block commands from a filtered device, so the
// engine can sit behind an iSCSI or vhost target.
package scsi

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/seaweedfs/blockfilter/weed/glog"
)

// SCSI opcode constants (SPC-5 / SBC-4)
const (
	OpTestUnitReady  uint8 = 0x00
	OpInquiry        uint8 = 0x12
	OpModeSense6     uint8 = 0x1a
	OpReadCapacity10 uint8 = 0x25
	OpRead10         uint8 = 0x28
	OpWrite10        uint8 = 0x2a
	OpSyncCache10    uint8 = 0x35
	OpReportLuns     uint8 = 0xa0
	OpRead16         uint8 = 0x88
	OpWrite16        uint8 = 0x8a
	OpReadCapacity16 uint8 = 0x9e // SERVICE ACTION IN (16), SA=0x10
	OpSyncCache16    uint8 = 0x91
)

const SAReadCapacity16 uint8 = 0x10

const (
	StatusGood      uint8 = 0x00
	StatusCheckCond uint8 = 0x02
	StatusBusy      uint8 = 0x08
)

// Sense keys
const (
	SenseNoSense        uint8 = 0x00
	SenseNotReady       uint8 = 0x02
	SenseMediumError    uint8 = 0x03
	SenseHardwareError  uint8 = 0x04
	SenseIllegalRequest uint8 = 0x05
	SenseAbortedCommand uint8 = 0x0b
)

// ASC/ASCQ pairs
const (
	ASCInvalidOpcode     uint8 = 0x20
	ASCQLuk              uint8 = 0x00
	ASCInvalidFieldInCDB uint8 = 0x24
	ASCLBAOutOfRange     uint8 = 0x21
	ASCNotReady          uint8 = 0x04
	ASCQNotReady         uint8 = 0x03 // manual intervention required
	ASCUnrecoveredRead   uint8 = 0x11
	ASCWriteError        uint8 = 0x0c
)

// Device is what the handler needs from the block device underneath.
type Device interface {
	ReadAt(ctx context.Context, lba uint64, length uint32) ([]byte, error)
	WriteAt(ctx context.Context, lba uint64, data []byte) error
	SyncCache(ctx context.Context) error
	BlockSize() uint32
	VolumeSize() uint64 // bytes
	IsHealthy() bool
}

// MaxTransferBytes bounds a single READ or WRITE.
const MaxTransferBytes = 8 << 20

// Handler processes SCSI commands for one logical unit.
type Handler struct {
	dev      Device
	vendorID string // 8 bytes for INQUIRY
	prodID   string // 16 bytes for INQUIRY
	serial   string // for VPD page 0x80
	naa      [8]byte
}

func NewHandler(dev Device, serial string) *Handler {
	h := &Handler{
		dev:      dev,
		vendorID: "SeaweedF",
		prodID:   "BlockFilter",
		serial:   serial,
	}
	h.naa = naaIdentifier(serial)
	return h
}

// Result holds the outcome of a SCSI command.
type Result struct {
	Status    uint8
	Data      []byte // Data-In
	SenseKey  uint8
	SenseASC  uint8
	SenseASCQ uint8
}

// HandleCommand dispatches a CDB. dataOut carries the initiator's data for
// WRITE commands.
func (h *Handler) HandleCommand(ctx context.Context, cdb [16]byte, dataOut []byte) Result {
	switch cdb[0] {
	case OpTestUnitReady:
		return h.testUnitReady()
	case OpInquiry:
		return h.inquiry(cdb)
	case OpModeSense6:
		return h.modeSense6(cdb)
	case OpReadCapacity10:
		return h.readCapacity10()
	case OpReadCapacity16:
		if cdb[1]&0x1f == SAReadCapacity16 {
			return h.readCapacity16(cdb)
		}
		return illegalRequest(ASCInvalidOpcode, ASCQLuk)
	case OpReportLuns:
		return h.reportLuns(cdb)
	case OpRead10:
		lba := uint64(binary.BigEndian.Uint32(cdb[2:6]))
		return h.doRead(ctx, lba, uint32(binary.BigEndian.Uint16(cdb[7:9])))
	case OpRead16:
		lba := binary.BigEndian.Uint64(cdb[2:10])
		return h.doRead(ctx, lba, binary.BigEndian.Uint32(cdb[10:14]))
	case OpWrite10:
		lba := uint64(binary.BigEndian.Uint32(cdb[2:6]))
		return h.doWrite(ctx, lba, uint32(binary.BigEndian.Uint16(cdb[7:9])), dataOut)
	case OpWrite16:
		lba := binary.BigEndian.Uint64(cdb[2:10])
		return h.doWrite(ctx, lba, binary.BigEndian.Uint32(cdb[10:14]), dataOut)
	case OpSyncCache10, OpSyncCache16:
		return h.syncCache(ctx)
	}
	glog.V(2).Infof("scsi: unsupported opcode 0x%02x", cdb[0])
	return illegalRequest(ASCInvalidOpcode, ASCQLuk)
}

func (h *Handler) testUnitReady() Result {
	if !h.dev.IsHealthy() {
		return Result{
			Status:    StatusCheckCond,
			SenseKey:  SenseNotReady,
			SenseASC:  ASCNotReady,
			SenseASCQ: ASCQNotReady,
		}
	}
	return Result{Status: StatusGood}
}

func (h *Handler) inquiry(cdb [16]byte) Result {
	evpd := cdb[1] & 0x01
	allocLen := binary.BigEndian.Uint16(cdb[3:5])
	if allocLen == 0 {
		allocLen = 36
	}
	if evpd != 0 {
		return h.inquiryVPD(cdb[2], allocLen)
	}

	data := make([]byte, 96)
	data[0] = 0x00 // SBC direct access block device
	data[2] = 0x06 // SPC-4
	data[3] = 0x02 // response data format
	data[4] = 91   // additional length
	data[7] = 0x02 // CmdQue
	copy(data[8:16], padRight(h.vendorID, 8))
	copy(data[16:32], padRight(h.prodID, 16))
	copy(data[32:36], "0001")
	return good(data, int(allocLen))
}

func (h *Handler) inquiryVPD(pageCode uint8, allocLen uint16) Result {
	switch pageCode {
	case 0x00: // supported pages
		return good([]byte{0x00, 0x00, 0x00, 0x03, 0x00, 0x80, 0x83}, int(allocLen))

	case 0x80: // unit serial number
		serial := padRight(h.serial, 8)
		data := make([]byte, 4+len(serial))
		data[1] = 0x80
		binary.BigEndian.PutUint16(data[2:4], uint16(len(serial)))
		copy(data[4:], serial)
		return good(data, int(allocLen))

	case 0x83: // device identification, one NAA descriptor
		desc := append([]byte{0x01, 0x03, 0x00, 0x08}, h.naa[:]...)
		data := make([]byte, 4+len(desc))
		data[1] = 0x83
		binary.BigEndian.PutUint16(data[2:4], uint16(len(desc)))
		copy(data[4:], desc)
		return good(data, int(allocLen))
	}
	return illegalRequest(ASCInvalidFieldInCDB, ASCQLuk)
}

func (h *Handler) totalBlocks() uint64 {
	return h.dev.VolumeSize() / uint64(h.dev.BlockSize())
}

func (h *Handler) readCapacity10() Result {
	totalBlocks := h.totalBlocks()
	data := make([]byte, 8)
	// past 2TB the initiator must use READ CAPACITY (16)
	if totalBlocks > 0xFFFFFFFF {
		binary.BigEndian.PutUint32(data[0:4], 0xFFFFFFFF)
	} else {
		binary.BigEndian.PutUint32(data[0:4], uint32(totalBlocks-1))
	}
	binary.BigEndian.PutUint32(data[4:8], h.dev.BlockSize())
	return Result{Status: StatusGood, Data: data}
}

func (h *Handler) readCapacity16(cdb [16]byte) Result {
	allocLen := binary.BigEndian.Uint32(cdb[10:14])
	if allocLen < 32 {
		allocLen = 32
	}
	data := make([]byte, 32)
	binary.BigEndian.PutUint64(data[0:8], h.totalBlocks()-1)
	binary.BigEndian.PutUint32(data[8:12], h.dev.BlockSize())
	return good(data, int(allocLen))
}

func (h *Handler) modeSense6(cdb [16]byte) Result {
	allocLen := cdb[4]
	if allocLen == 0 {
		allocLen = 4
	}
	// no mode pages, no block descriptors
	data := []byte{3, 0x00, 0x00, 0x00}
	return good(data, int(allocLen))
}

func (h *Handler) reportLuns(cdb [16]byte) Result {
	allocLen := binary.BigEndian.Uint32(cdb[6:10])
	if allocLen < 16 {
		allocLen = 16
	}
	// LUN 0 only
	data := make([]byte, 16)
	binary.BigEndian.PutUint32(data[0:4], 8)
	return good(data, int(allocLen))
}

func (h *Handler) doRead(ctx context.Context, lba uint64, transferLen uint32) Result {
	if transferLen == 0 {
		return Result{Status: StatusGood}
	}
	if lba+uint64(transferLen) > h.totalBlocks() {
		return illegalRequest(ASCLBAOutOfRange, ASCQLuk)
	}
	n, ok := h.transferBytes(transferLen)
	if !ok {
		return illegalRequest(ASCInvalidFieldInCDB, ASCQLuk)
	}
	data, err := h.dev.ReadAt(ctx, lba, n)
	if err != nil {
		glog.V(1).Infof("scsi: read %d blocks at %d: %v", transferLen, lba, err)
		return failed(err, ASCUnrecoveredRead)
	}
	return Result{Status: StatusGood, Data: data}
}

func (h *Handler) doWrite(ctx context.Context, lba uint64, transferLen uint32, dataOut []byte) Result {
	if transferLen == 0 {
		return Result{Status: StatusGood}
	}
	if lba+uint64(transferLen) > h.totalBlocks() {
		return illegalRequest(ASCLBAOutOfRange, ASCQLuk)
	}
	expected, ok := h.transferBytes(transferLen)
	if !ok || uint64(len(dataOut)) < uint64(expected) {
		return illegalRequest(ASCInvalidFieldInCDB, ASCQLuk)
	}
	if err := h.dev.WriteAt(ctx, lba, dataOut[:expected]); err != nil {
		glog.V(1).Infof("scsi: write %d blocks at %d: %v", transferLen, lba, err)
		return failed(err, ASCWriteError)
	}
	return Result{Status: StatusGood}
}

// transferBytes is the length in bytes of transferLen blocks, refused above
// MaxTransferBytes.
func (h *Handler) transferBytes(transferLen uint32) (uint32, bool) {
	n := uint64(transferLen) * uint64(h.dev.BlockSize())
	if n > MaxTransferBytes {
		return 0, false
	}
	return uint32(n), true
}

func (h *Handler) syncCache(ctx context.Context) Result {
	if err := h.dev.SyncCache(ctx); err != nil {
		return Result{Status: StatusCheckCond, SenseKey: SenseHardwareError}
	}
	return Result{Status: StatusGood}
}

// failed maps a device error to sense data. Errors that are not classified
// by the device become medium errors with the given ASC.
func failed(err error, asc uint8) Result {
	var sense *SenseError
	if errors.As(err, &sense) {
		return Result{Status: StatusCheckCond, SenseKey: sense.Key, SenseASC: sense.ASC, SenseASCQ: sense.ASCQ}
	}
	return Result{Status: StatusCheckCond, SenseKey: SenseMediumError, SenseASC: asc}
}

// SenseError lets a Device pick the sense data reported for a failure.
type SenseError struct {
	Key, ASC, ASCQ uint8
	Err            error
}

func (e *SenseError) Error() string {
	return e.Err.Error()
}

func (e *SenseError) Unwrap() error {
	return e.Err
}

// BuildSenseData constructs fixed-format sense data (18 bytes).
func BuildSenseData(key, asc, ascq uint8) []byte {
	data := make([]byte, 18)
	data[0] = 0x70 // current errors, fixed format
	data[2] = key & 0x0f
	data[7] = 10 // additional sense length
	data[12] = asc
	data[13] = ascq
	return data
}

func good(data []byte, allocLen int) Result {
	if allocLen < len(data) {
		data = data[:allocLen]
	}
	return Result{Status: StatusGood, Data: data}
}

func illegalRequest(asc, ascq uint8) Result {
	return Result{
		Status:    StatusCheckCond,
		SenseKey:  SenseIllegalRequest,
		SenseASC:  asc,
		SenseASCQ: ascq,
	}
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	b := make([]byte, n)
	copy(b, s)
	for i := len(s); i < n; i++ {
		b[i] = ' '
	}
	return string(b)
}
