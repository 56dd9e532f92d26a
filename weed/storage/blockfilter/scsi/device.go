package scsi

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/seaweedfs/blockfilter/weed/storage/blockfilter"
	"github.com/seaweedfs/blockfilter/weed/storage/blockfilter/layout"
	"github.com/seaweedfs/blockfilter/weed/storage/blockfilter/session"
)

// RouterDevice exposes minor 0 of a filter router as a Device.
type RouterDevice struct {
	router *blockfilter.Router
}

func NewRouterDevice(r *blockfilter.Router) *RouterDevice {
	return &RouterDevice{router: r}
}

func (d *RouterDevice) ReadAt(ctx context.Context, lba uint64, length uint32) ([]byte, error) {
	buf := make([]byte, length)
	reply := d.router.Handle(ctx, &blockfilter.Request{
		Verb: blockfilter.VerbRead,
		Pos:  lba * layout.SectorSize,
		Iov:  []*session.Grant{session.NewGrant(buf, session.AccessWrite)},
	})
	if reply.Status != nil {
		return nil, senseFor(reply.Status)
	}
	if reply.Size != uint64(length) {
		return nil, fmt.Errorf("short read of %d/%d bytes at block %d", reply.Size, length, lba)
	}
	return buf, nil
}

func (d *RouterDevice) WriteAt(ctx context.Context, lba uint64, data []byte) error {
	reply := d.router.Handle(ctx, &blockfilter.Request{
		Verb: blockfilter.VerbWrite,
		Pos:  lba * layout.SectorSize,
		Iov:  []*session.Grant{session.NewGrant(data, session.AccessRead)},
	})
	if reply.Status != nil {
		return senseFor(reply.Status)
	}
	if reply.Size != uint64(len(data)) {
		return fmt.Errorf("short write of %d/%d bytes at block %d", reply.Size, len(data), lba)
	}
	return nil
}

func (d *RouterDevice) SyncCache(ctx context.Context) error {
	reply := d.router.Handle(ctx, &blockfilter.Request{Verb: blockfilter.VerbIoctl, Ioctl: session.IoctlSync})
	return reply.Status
}

func (d *RouterDevice) BlockSize() uint32 {
	return layout.SectorSize
}

func (d *RouterDevice) VolumeSize() uint64 {
	return d.router.Engine().Size()
}

// IsHealthy reports whether the router answers a geometry query.
func (d *RouterDevice) IsHealthy() bool {
	reply := d.router.Handle(context.Background(), &blockfilter.Request{
		Verb:  blockfilter.VerbIoctl,
		Ioctl: session.IoctlGetGeometry,
	})
	return reply.Status == nil
}

// senseFor classifies a router failure for the initiator.
func senseFor(err error) error {
	switch {
	case errors.Is(err, blockfilter.ErrInvalid):
		return &SenseError{Key: SenseIllegalRequest, ASC: ASCInvalidFieldInCDB, Err: err}
	case errors.Is(err, blockfilter.ErrNoDevice), errors.Is(err, blockfilter.ErrClosed):
		return &SenseError{Key: SenseNotReady, ASC: ASCNotReady, ASCQ: ASCQNotReady, Err: err}
	case errors.Is(err, blockfilter.ErrChecksum):
		return &SenseError{Key: SenseMediumError, ASC: ASCUnrecoveredRead, Err: err}
	}
	return err
}

// naaIdentifier derives a stable NAA-6 style identifier from the serial.
func naaIdentifier(serial string) [8]byte {
	var id [8]byte
	sum := uuid.NewSHA1(uuid.NameSpaceOID, []byte(serial))
	copy(id[:], sum[:8])
	id[0] = 0x60 | id[0]&0x0f
	return id
}
