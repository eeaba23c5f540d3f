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

package engine

import (
	"encoding/binary"
	"fmt"
	"io"
)

// serializeEmbeddingMatrix writes rows as a row count, the first row's
// length (every row is assumed to share it), then every value in
// row-major order.
func serializeEmbeddingMatrix(w io.Writer, rows [][]float32) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(rows))); err != nil {
		return err
	}
	for i, row := range rows {
		if i == 0 {
			if err := binary.Write(w, binary.LittleEndian, uint64(len(row))); err != nil {
				return err
			}
		}
		for _, v := range row {
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// deserializeEmbeddingMatrix reconstructs a matrix written by
// serializeEmbeddingMatrix.
func deserializeEmbeddingMatrix(r io.Reader) ([][]float32, error) {
	var numRows uint64
	if err := binary.Read(r, binary.LittleEndian, &numRows); err != nil {
		return nil, fmt.Errorf("reading row count: %w", err)
	}
	if numRows == 0 {
		return [][]float32{}, nil
	}
	var dim uint64
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return nil, fmt.Errorf("reading dimension: %w", err)
	}
	rows := make([][]float32, numRows)
	for i := range rows {
		rows[i] = make([]float32, dim)
		for j := range rows[i] {
			if err := binary.Read(r, binary.LittleEndian, &rows[i][j]); err != nil {
				return nil, fmt.Errorf("reading row %d, col %d: %w", i, j, err)
			}
		}
	}
	return rows, nil
}
