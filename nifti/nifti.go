// bidspipe: batch orchestration for BIDS neuroimaging pipelines.
// Copyright (c) 2024-2025 Neuroscale Computing NV.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/neuroscale/bidspipe/blob/master/LICENSE.txt>.

// Package nifti reads NIfTI-1 headers, just enough to sanity-check
// images without touching voxel data. Field layout follows the
// reference definition at
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// HeaderSize is the fixed on-disk size of a NIfTI-1 header.
const HeaderSize = 348

// Header is the NIfTI-1 header as laid out on disk. All 348 bytes are
// declared so the whole struct can be read in one go.
type Header struct {
	SizeOfHdr    int32
	DataTypeName [10]byte // unused since ANALYZE 7.5
	DBName       [18]byte // unused
	Extents      int32    // unused
	SessionError int16    // unused
	Regular      byte     // unused
	DimInfo      byte

	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	BitPix        int16
	SliceStart    int16
	PixDim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	Glmax         int32 // unused
	Glmin         int32 // unused

	Descrip [80]byte
	AuxFile [24]byte

	QFormCode int16
	SFormCode int16

	QuaternB float32
	QuaternC float32
	QuaternD float32
	QOffsetX float32
	QOffsetY float32
	QOffsetZ float32

	SRowX [4]float32
	SRowY [4]float32
	SRowZ [4]float32

	IntentName [16]byte

	Magic [4]byte
}

// Time unit codes from the xyzt_units bit field.
const (
	unitsSec  = 8
	unitsMsec = 16
	unitsUsec = 24
)

// ReadHeader parses a NIfTI-1 header. The byte order is inferred by
// reading dim[0] and retrying with the opposite order when it falls
// outside [1,7], the same strategy the AFNI reference reader uses.
func ReadHeader(r io.Reader) (Header, binary.ByteOrder, error) {
	var raw [HeaderSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return Header{}, nil, fmt.Errorf("reading NIfTI-1 header: %v", err)
	}
	var h Header
	var order binary.ByteOrder = binary.LittleEndian
	if err := binary.Read(bytes.NewReader(raw[:]), order, &h); err != nil {
		return Header{}, nil, err
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		h = Header{}
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(raw[:]), order, &h); err != nil {
			return Header{}, nil, err
		}
		if h.Dim[0] < 1 || h.Dim[0] > 7 {
			return Header{}, nil, fmt.Errorf("cannot infer byte order, dim[0] not in [1,7] in either order")
		}
	}
	if err := h.Validate(); err != nil {
		return Header{}, nil, err
	}
	return h, order, nil
}

// ReadHeaderFile reads the header of a .nii or .nii.gz file.
// Compression is detected by sniffing the gzip magic bytes, so a
// compressed image without the .gz suffix still reads.
func ReadHeaderFile(path string) (h Header, err error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer func() {
		nerr := f.Close()
		if err == nil {
			err = nerr
		}
	}()
	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, perr := br.Peek(2); perr == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, gerr := gzip.NewReader(br)
		if gerr != nil {
			return Header{}, fmt.Errorf("%v: %v", path, gerr)
		}
		defer func() {
			nerr := gz.Close()
			if err == nil {
				err = nerr
			}
		}()
		r = gz
	}
	h, _, err = ReadHeader(r)
	if err != nil {
		return Header{}, fmt.Errorf("%v: %v", path, err)
	}
	return h, nil
}

// Validate checks the invariants every well-formed single-file NIfTI-1
// image satisfies.
func (h Header) Validate() error {
	if h.SizeOfHdr != HeaderSize {
		return fmt.Errorf("invalid header size %v, want %v", h.SizeOfHdr, HeaderSize)
	}
	if h.Magic != [4]byte{'n', '+', '1', 0} {
		return fmt.Errorf("invalid magic %q, want single-file n+1", trimZero(h.Magic[:]))
	}
	if h.Datatype == 0 {
		return fmt.Errorf("unknown datatype 0")
	}
	return nil
}

// NDim is the number of dimensions, dim[0].
func (h Header) NDim() int {
	return int(h.Dim[0])
}

// DimSizes returns the dimension sizes dim[1..ndim].
func (h Header) DimSizes() []int {
	n := h.NDim()
	sizes := make([]int, n)
	for i := 0; i < n; i++ {
		sizes[i] = int(h.Dim[i+1])
	}
	return sizes
}

// VoxelSize returns the spatial grid spacing pixdim[1..3].
func (h Header) VoxelSize() [3]float32 {
	return [3]float32{h.PixDim[1], h.PixDim[2], h.PixDim[3]}
}

// TRSeconds returns the repetition time pixdim[4] converted to
// seconds according to the time units of the header. Zero for
// non-timeseries images.
func (h Header) TRSeconds() float64 {
	if h.NDim() < 4 {
		return 0
	}
	tr := float64(h.PixDim[4])
	switch h.XYZTUnits & 0x38 {
	case unitsMsec:
		return tr / 1e3
	case unitsUsec:
		return tr / 1e6
	default:
		return tr
	}
}

// Description returns the free-text descrip field.
func (h Header) Description() string {
	return trimZero(h.Descrip[:])
}

func trimZero(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
