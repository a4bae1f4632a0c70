// Package mrc reads MRC2014 electron-density files: the fixed 1024-byte
// little-endian header and the voxel grid that follows it. Only the header
// fields relevant to tomogram geometry are decoded.
package mrc

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// HeaderSize is the fixed size of an MRC header in bytes.
const HeaderSize = 1024

// Data modes defined by the MRC2014 standard.
const (
	ModeInt8    = 0
	ModeInt16   = 1
	ModeFloat32 = 2
	ModeUint16  = 6
)

// Header holds the geometry-relevant fields of an MRC header.
type Header struct {
	Nx, Ny, Nz int32 // grid size (columns, rows, sections)
	Mode       int32
	NxStart    int32
	NyStart    int32
	NzStart    int32
	Mx, My, Mz int32 // sampling intervals along the cell
	CellDims   [3]float32
	CellAngles [3]float32
	NSymBT     int32 // extended header size in bytes
}

// ReadHeader decodes the 1024-byte header at the start of r.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read mrc header: %w", err)
	}

	le := binary.LittleEndian
	h := &Header{
		Nx:      int32(le.Uint32(buf[0:])),
		Ny:      int32(le.Uint32(buf[4:])),
		Nz:      int32(le.Uint32(buf[8:])),
		Mode:    int32(le.Uint32(buf[12:])),
		NxStart: int32(le.Uint32(buf[16:])),
		NyStart: int32(le.Uint32(buf[20:])),
		NzStart: int32(le.Uint32(buf[24:])),
		Mx:      int32(le.Uint32(buf[28:])),
		My:      int32(le.Uint32(buf[32:])),
		Mz:      int32(le.Uint32(buf[36:])),
		NSymBT:  int32(le.Uint32(buf[92:])),
	}
	for i := 0; i < 3; i++ {
		h.CellDims[i] = math.Float32frombits(le.Uint32(buf[40+4*i:]))
		h.CellAngles[i] = math.Float32frombits(le.Uint32(buf[52+4*i:]))
	}

	if h.Nx <= 0 || h.Ny <= 0 || h.Nz <= 0 {
		return nil, fmt.Errorf("invalid mrc dimensions %dx%dx%d", h.Nx, h.Ny, h.Nz)
	}

	return h, nil
}

// VoxelSize returns the physical voxel size per axis (cell dimension divided
// by the sampling grid). Axes with a zero sampling interval report 1.
func (h *Header) VoxelSize() [3]float64 {
	size := [3]float64{1, 1, 1}
	m := [3]int32{h.Mx, h.My, h.Mz}
	for i := 0; i < 3; i++ {
		if m[i] > 0 {
			size[i] = float64(h.CellDims[i]) / float64(m[i])
		}
	}
	return size
}

// Volume is an in-memory tomogram: Nz sections of Nx×Ny voxels, normalized
// to float32 regardless of the on-disk mode.
type Volume struct {
	Nx, Ny, Nz int
	VoxelSize  [3]float64
	Data       []float32
}

// ReadVolume decodes a full MRC file, header and voxel grid.
func ReadVolume(r io.Reader) (*Volume, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	if h.NSymBT > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(h.NSymBT)); err != nil {
			return nil, fmt.Errorf("skip extended header (%d bytes): %w", h.NSymBT, err)
		}
	}

	n := int(h.Nx) * int(h.Ny) * int(h.Nz)
	data := make([]float32, n)

	switch h.Mode {
	case ModeInt8:
		raw := make([]byte, n)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("read mode 0 voxels: %w", err)
		}
		for i, b := range raw {
			data[i] = float32(int8(b))
		}
	case ModeInt16:
		raw := make([]byte, 2*n)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("read mode 1 voxels: %w", err)
		}
		for i := 0; i < n; i++ {
			data[i] = float32(int16(binary.LittleEndian.Uint16(raw[2*i:])))
		}
	case ModeFloat32:
		raw := make([]byte, 4*n)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("read mode 2 voxels: %w", err)
		}
		for i := 0; i < n; i++ {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	case ModeUint16:
		raw := make([]byte, 2*n)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("read mode 6 voxels: %w", err)
		}
		for i := 0; i < n; i++ {
			data[i] = float32(binary.LittleEndian.Uint16(raw[2*i:]))
		}
	default:
		return nil, fmt.Errorf("unsupported mrc mode %d", h.Mode)
	}

	return &Volume{
		Nx:        int(h.Nx),
		Ny:        int(h.Ny),
		Nz:        int(h.Nz),
		VoxelSize: h.VoxelSize(),
		Data:      data,
	}, nil
}

// Slice returns the z-th XY plane as a view into the volume data.
func (v *Volume) Slice(z int) []float32 {
	plane := v.Nx * v.Ny
	return v.Data[z*plane : (z+1)*plane]
}

// At returns the voxel at (x, y, z).
func (v *Volume) At(x, y, z int) float32 {
	return v.Data[z*v.Nx*v.Ny+y*v.Nx+x]
}
