package array

// Coefficients are the decoded factory calibration coefficients of one sensor.
type Coefficients struct {
	A0  float64
	B1  float64
	B2  float64
	C12 float64
	C11 float64
	C22 float64
}

// Decode converts a raw calibration block into coefficients. Every coefficient is a
// two's complement fixed-point number; the shifts below move the binary point into place.
func (b Block) Decode() Coefficients {
	return Coefficients{
		A0:  float64(signed(uint32(b[0])<<8|uint32(b[1]), 16)) / (1 << 3),
		B1:  float64(signed(uint32(b[2])<<8|uint32(b[3]), 16)) / (1 << 13),
		B2:  float64(signed(uint32(b[4])<<8|uint32(b[5]), 16)) / (1 << 14),
		C12: float64(signed(uint32(b[6])<<6|uint32(b[7])>>2, 14)) / (1 << 22),
		C11: float64(signed(uint32(b[8])<<3|uint32(b[9])>>5, 11)) / (1 << 21),
		C22: float64(signed(uint32(b[10])<<3|uint32(b[11])>>5, 11)) / (1 << 25),
	}
}

// IsZero reports whether the block holds the all-zero sentinel of a cell never read.
func (b Block) IsZero() bool {
	return b == Block{}
}

// Compensate returns the temperature compensated pressure in kPa for raw 10-bit readings.
func (c Coefficients) Compensate(padc, tadc uint16) float64 {
	p := float64(padc)
	t := float64(tadc)
	pcomp := c.A0 + (c.B1+c.C11*p+c.C12*t)*p + (c.B2+c.C22*t)*t
	return 65.0/1023.0*pcomp + 50
}

func signed(v uint32, bits uint) int32 {
	if v&(1<<(bits-1)) != 0 {
		return int32(v) - int32(1<<bits)
	}
	return int32(v)
}
