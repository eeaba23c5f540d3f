// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package imageproc

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"hash/crc32"
	"io"
)

var pngSignature = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
var jpegICCMarker = []byte("ICC_PROFILE\x00")

// CaptureICCProfile extracts the raw embedded color profile from a
// source image's bytes, if any. It understands PNG iCCP chunks and JPEG
// APP2 ICC_PROFILE segments; every other format (and any image with no
// profile) yields a nil slice. stdlib's image/png and image/jpeg decoders
// drop ancillary/APPn data entirely, so profile bytes must be pulled
// from the original file before decoding discards them.
func CaptureICCProfile(data []byte) []byte {
	if bytes.HasPrefix(data, pngSignature) {
		return capturePNGICC(data)
	}
	if len(data) > 2 && data[0] == 0xFF && data[1] == 0xD8 {
		return captureJPEGICC(data)
	}
	return nil
}

func capturePNGICC(data []byte) []byte {
	pos := len(pngSignature)
	for pos+8 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		chunkType := string(data[pos+4 : pos+8])
		dataStart := pos + 8
		dataEnd := dataStart + length
		if dataEnd+4 > len(data) {
			return nil
		}

		if chunkType == "iCCP" {
			chunk := data[dataStart:dataEnd]
			nul := bytes.IndexByte(chunk, 0)
			if nul < 0 || nul+2 > len(chunk) {
				return nil
			}
			compressed := chunk[nul+2:]
			r, err := zlib.NewReader(bytes.NewReader(compressed))
			if err != nil {
				return nil
			}
			defer r.Close()
			profile, err := io.ReadAll(r)
			if err != nil {
				return nil
			}
			return profile
		}
		if chunkType == "IDAT" {
			return nil
		}
		pos = dataEnd + 4
	}
	return nil
}

func captureJPEGICC(data []byte) []byte {
	pos := 2
	var profile []byte
	for pos+4 <= len(data) {
		if data[pos] != 0xFF {
			return profile
		}
		marker := data[pos+1]
		if marker == 0xD8 || marker == 0xD9 {
			pos += 2
			continue
		}
		if marker == 0xDA {
			return profile
		}
		segLen := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		segStart := pos + 4
		segEnd := pos + 2 + segLen
		if segEnd > len(data) {
			return profile
		}

		if marker == 0xE2 && segEnd-segStart > len(jpegICCMarker)+2 &&
			bytes.Equal(data[segStart:segStart+len(jpegICCMarker)], jpegICCMarker) {
			// Two trailing bytes identify chunk sequence number and count
			// for multi-segment profiles; single-segment is the common case.
			profile = append(profile, data[segStart+len(jpegICCMarker)+2:segEnd]...)
		}
		pos = segEnd
	}
	return profile
}

// EncodePNGWithICC behaves like EncodePNG, then splices an iCCP chunk
// carrying profile into the output immediately after IHDR, matching
// where encoders conventionally place it. A nil or empty profile is a
// no-op passthrough to EncodePNG.
func EncodePNGWithICC(img *Image, profile []byte) ([]byte, error) {
	base, err := EncodePNG(img)
	if err != nil {
		return nil, err
	}
	if len(profile) == 0 {
		return base, nil
	}
	return insertICCChunk(base, profile), nil
}

func insertICCChunk(png []byte, profile []byte) []byte {
	var compressed bytes.Buffer
	w := zlib.NewWriter(&compressed)
	_, _ = w.Write(profile)
	_ = w.Close()

	var chunkData bytes.Buffer
	chunkData.WriteString("icc")
	chunkData.WriteByte(0) // profile name, null-terminated (kept short)
	chunkData.WriteByte(0) // compression method 0 (zlib/deflate)
	chunkData.Write(compressed.Bytes())

	chunk := buildPNGChunk("iCCP", chunkData.Bytes())

	// IHDR is always the first chunk, immediately after the signature,
	// and has a fixed 13-byte payload.
	ihdrEnd := len(pngSignature) + 8 + 13 + 4

	out := make([]byte, 0, len(png)+len(chunk))
	out = append(out, png[:ihdrEnd]...)
	out = append(out, chunk...)
	out = append(out, png[ihdrEnd:]...)
	return out
}

func buildPNGChunk(chunkType string, data []byte) []byte {
	out := make([]byte, 0, 12+len(data))
	lengthBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthBuf, uint32(len(data)))
	out = append(out, lengthBuf...)
	out = append(out, []byte(chunkType)...)
	out = append(out, data...)

	crc := crc32.NewIEEE()
	crc.Write([]byte(chunkType))
	crc.Write(data)
	crcBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(crcBuf, crc.Sum32())
	out = append(out, crcBuf...)
	return out
}
