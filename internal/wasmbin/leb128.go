package wasmbin

import "errors"

// ErrOverflow is returned when a LEB128 value exceeds its bit width.
var ErrOverflow = errors.New("leb128: overflow")

// AppendULEB128 appends v in unsigned LEB128 form.
func AppendULEB128(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

// AppendSLEB128 appends v in signed LEB128 form.
func AppendSLEB128[T int32 | int64](b []byte, v T) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

func decodeULEB128(data []byte) (uint32, int, error) {
	var result uint32
	var shift uint
	for i, c := range data {
		result |= uint32(c&0x7f) << shift
		if c&0x80 == 0 {
			return result, i + 1, nil
		}
		shift += 7
		if shift >= 35 {
			return 0, 0, ErrOverflow
		}
	}
	return 0, 0, errUnexpectedEnd
}

func decodeSLEB128(data []byte) (int64, int, error) {
	var result int64
	var shift uint
	for i, c := range data {
		result |= int64(c&0x7f) << shift
		shift += 7
		if c&0x80 == 0 {
			if shift < 64 && c&0x40 != 0 {
				result |= ^int64(0) << shift
			}
			return result, i + 1, nil
		}
		if shift >= 70 {
			return 0, 0, ErrOverflow
		}
	}
	return 0, 0, errUnexpectedEnd
}
