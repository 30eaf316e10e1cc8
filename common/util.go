package common

// ByteSliceCopy copies a byte slice. Use it whenever a payload crosses an
// ownership boundary, e.g. frames handed to a connection manager or decoded
// out of a read buffer that will be reused.
func ByteSliceCopy(byteSlice []byte) []byte {
	copied := make([]byte, len(byteSlice))
	copy(copied, byteSlice)
	return copied
}

// ByteSlicesCopy deep-copies a slice of byte slices, preserving nil.
func ByteSlicesCopy(byteSlices [][]byte) [][]byte {
	if byteSlices == nil {
		return nil
	}
	copied := make([][]byte, len(byteSlices))
	for i, bs := range byteSlices {
		copied[i] = ByteSliceCopy(bs)
	}
	return copied
}
