package bus

import (
	"math"

	"github.com/pkg/errors"
)

const bitsPerByte = 8

// Signal locates one scaled value inside a CAN payload. The physical value is
// raw*Scale + Offset.
type Signal struct {
	Scale        float64
	Offset       float64
	Start        uint8 // least significant bit
	Length       uint8 // in bits, at most 64
	LittleEndian bool
	Signed       bool
}

// byteMask returns the mask of the bits of byte byteNum that belong to a
// signal spanning payload bits lsb..msb.
func byteMask(byteNum, lsb, msb uint8) uint8 {
	byteLsb := int(byteNum) * bitsPerByte
	byteMsb := byteLsb + bitsPerByte - 1

	lo, hi := 0, bitsPerByte-1
	if int(lsb) > byteLsb {
		lo = int(lsb) - byteLsb
	}
	if int(msb) < byteMsb {
		hi = int(msb) - byteLsb
	}
	mask := uint8(0xFF) << lo
	return mask & (uint8(0xFF) >> (bitsPerByte - 1 - hi))
}

func (s Signal) bounds(data []byte) (lsb, msb uint8, err error) {
	if s.Length == 0 || s.Length > 64 {
		return 0, 0, errors.Errorf("invalid signal length %d", s.Length)
	}
	lsb = s.Start
	msb = lsb + s.Length - 1
	if int(msb)/bitsPerByte >= len(data) {
		return 0, 0, errors.Errorf("signal bits %d..%d outside %d byte payload", lsb, msb, len(data))
	}
	return lsb, msb, nil
}

// Extract decodes the signal from data.
func (s Signal) Extract(data []byte) (float64, error) {
	lsb, msb, err := s.bounds(data)
	if err != nil {
		return 0, err
	}
	byteStart := lsb / bitsPerByte
	byteStop := msb / bitsPerByte

	var raw uint64
	for i := byteStart; i <= byteStop; i++ {
		shift := byteStop - i
		if s.LittleEndian {
			shift = i - byteStart
		}
		raw |= uint64(byteMask(i, lsb, msb)&data[i]) << (uint(shift) * bitsPerByte)
	}
	raw >>= lsb - byteStart*bitsPerByte

	var value float64
	if s.Signed {
		if s.Length < 64 && raw&(1<<(s.Length-1)) != 0 {
			raw |= math.MaxUint64 << s.Length
		}
		value = float64(int64(raw))
	} else {
		value = float64(raw)
	}
	return value*s.Scale + s.Offset, nil
}

// Insert encodes value into data. Values outside the signal's range are
// clamped to the nearest representable value. Only little-endian signals can
// be inserted.
func (s Signal) Insert(data []byte, value float64) error {
	if !s.LittleEndian {
		return errors.New("big-endian signals are receive only")
	}
	if _, _, err := s.bounds(data); err != nil {
		return err
	}
	if math.IsNaN(value) {
		return errors.New("cannot encode NaN")
	}

	var lo, hi float64
	if s.Signed {
		lo, hi = -math.Ldexp(1, int(s.Length)-1), math.Ldexp(1, int(s.Length)-1)-1
	} else {
		lo, hi = 0, math.Ldexp(1, int(s.Length))-1
	}
	scaled := math.Max(lo, math.Min(hi, math.Round((value-s.Offset)/s.Scale)))

	var raw uint64
	if s.Signed {
		raw = uint64(int64(scaled))
	} else {
		raw = uint64(scaled)
	}
	for i := uint8(0); i < s.Length; i++ {
		bit := s.Start + i
		mask := uint8(1) << (bit % bitsPerByte)
		if raw>>i&1 == 1 {
			data[bit/bitsPerByte] |= mask
		} else {
			data[bit/bitsPerByte] &^= mask
		}
	}
	return nil
}
