package reactor

// Padding sizes, checked against the platform by sizeof_test.go.
const (
	// sizeOfCacheLine covers both 64 byte (amd64) and 128 byte (arm64)
	// lines, keeping cross-core hot fields apart either way.
	sizeOfCacheLine = 128

	sizeOfAtomicUint64 = 8
)
