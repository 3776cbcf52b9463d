package can

// fdLengths maps DLC codes 9..15 to their payload size.
var fdLengths = [...]int{12, 16, 20, 24, 32, 48, 64}

// DLCToLength converts a 4-bit data length code into a payload size.
// Codes above 15 return -1.
func DLCToLength(code uint8) int {
	switch {
	case code <= 8:
		return int(code)
	case code <= 15:
		return fdLengths[code-9]
	default:
		return -1
	}
}

// LengthToDLC returns the smallest code whose payload size holds n bytes.
// Sizes above 64 return 15.
func LengthToDLC(n int) uint8 {
	if n <= 8 {
		if n < 0 {
			return 0
		}
		return uint8(n)
	}
	for i, l := range fdLengths {
		if n <= l {
			return uint8(9 + i)
		}
	}
	return 15
}

// NormalizeFDLength rounds n up to the next length a CAN-FD frame can carry
// (0..8, 12, 16, 20, 24, 32, 48, 64). Values above 64 are returned unchanged.
func NormalizeFDLength(n int) int {
	if n <= 8 || n > FDCapacity {
		return n
	}
	return DLCToLength(LengthToDLC(n))
}
