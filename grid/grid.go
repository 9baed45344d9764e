// Package grid describes the fixed topology of the sensor array: cell coordinates,
// the bus addresses of each cell's multiplexer and the liveness bitmap built by discovery.
//
// Every cell sits behind an address-translating multiplexer. Writing the cell's enable
// address activates it, addressing its disable address (enable address with the low bit set)
// deactivates it. Once enabled, the sensor behind the cell answers on SensorAddress.
package grid

import (
	"errors"
	"fmt"
	"strings"
)

const (
	Rows    = 8
	Columns = 5
	Cells   = Rows * Columns
)

// SensorAddress is the 7-bit address shared by every sensor in the array.
const SensorAddress = 0x60

// broadcastColumn is the column index that every multiplexer of a row answers to.
const broadcastColumn = 6

// GlobalBroadcast enables every multiplexer in the array at once.
const GlobalBroadcast byte = broadcastColumn << 1

var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Coordinate identifies a single cell.
type Coordinate struct {
	Row    int
	Column int
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%d:%d", c.Row, c.Column)
}

func (c Coordinate) Validate() error {
	if c.Row < 0 || c.Row >= Rows || c.Column < 0 || c.Column >= Columns {
		return fmt.Errorf("cell %s outside of %dx%d grid: %w", c, Rows, Columns, ErrInvalidCoordinate)
	}
	return nil
}

// Index returns the position of the cell in scan order.
func (c Coordinate) Index() int {
	return c.Row*Columns + c.Column
}

// FromIndex is the inverse of Coordinate.Index.
func FromIndex(index int) (Coordinate, error) {
	if index < 0 || index >= Cells {
		return Coordinate{}, fmt.Errorf("cell index %d out of range: %w", index, ErrInvalidCoordinate)
	}
	return Coordinate{Row: index / Columns, Column: index % Columns}, nil
}

// Enable returns the wire address activating the cell multiplexer.
// The coordinate must be valid.
func (c Coordinate) Enable() byte {
	return byte(c.Row&0x0F)<<4 | byte(c.Column&0x07)<<1
}

// Disable returns the wire address deactivating the cell multiplexer.
func (c Coordinate) Disable() byte {
	return c.Enable() | 1
}

// CellAddresses translates a grid coordinate into the enable/disable address pair of its multiplexer.
func CellAddresses(row, column int) (enable byte, disable byte, err error) {
	c := Coordinate{Row: row, Column: column}
	if err := c.Validate(); err != nil {
		return 0, 0, err
	}
	return c.Enable(), c.Disable(), nil
}

// RowBroadcast returns the enable address of the whole row group.
// Row 0 shares its group address with GlobalBroadcast.
func RowBroadcast(row int) (byte, error) {
	if row < 0 || row >= Rows {
		return 0, fmt.Errorf("row %d outside of grid: %w", row, ErrInvalidCoordinate)
	}
	return byte(row&0x0F)<<4 | broadcastColumn<<1, nil
}

// SensorWrite and SensorRead are the wire forms of SensorAddress.
const (
	SensorWrite byte = SensorAddress << 1
	SensorRead  byte = SensorAddress<<1 | 1
)

// Bitmap records which cells answered during the last discovery pass, one byte per row,
// bit n standing for column n.
type Bitmap [Rows]uint8

func (b Bitmap) Alive(c Coordinate) bool {
	if c.Validate() != nil {
		return false
	}
	return b[c.Row]&(1<<c.Column) != 0
}

// With returns a copy of the bitmap with the cell marked alive.
func (b Bitmap) With(c Coordinate) Bitmap {
	if c.Validate() == nil {
		b[c.Row] |= 1 << c.Column
	}
	return b
}

// Count returns the number of live cells.
func (b Bitmap) Count() int {
	n := 0
	for row := range b {
		n += b.RowCount(row)
	}
	return n
}

func (b Bitmap) RowCount(row int) int {
	if row < 0 || row >= Rows {
		return 0
	}
	n := 0
	for column := 0; column < Columns; column++ {
		if b[row]&(1<<column) != 0 {
			n++
		}
	}
	return n
}

// Cells lists live cells in scan order.
func (b Bitmap) Cells() []Coordinate {
	cells := make([]Coordinate, 0, b.Count())
	for row := 0; row < Rows; row++ {
		for column := 0; column < Columns; column++ {
			c := Coordinate{Row: row, Column: column}
			if b.Alive(c) {
				cells = append(cells, c)
			}
		}
	}
	return cells
}

// Bytes returns the wire form of the bitmap.
func (b Bitmap) Bytes() []byte {
	out := make([]byte, Rows)
	copy(out, b[:])
	return out
}

func (b Bitmap) String() string {
	var sb strings.Builder
	for row := 0; row < Rows; row++ {
		if row > 0 {
			sb.WriteByte(' ')
		}
		for column := 0; column < Columns; column++ {
			if b[row]&(1<<column) != 0 {
				sb.WriteByte('1')
			} else {
				sb.WriteByte('0')
			}
		}
	}
	return sb.String()
}
