package tin

// These constants are verified via unit tests.
const (
	// sizeOfCacheLine is the size of a CPU cache line. 64 bytes is standard
	// for x86-64, 128 bytes for Apple Silicon and other arm64, and we use the
	// larger of the two everywhere.
	sizeOfCacheLine = 128

	// sizeOfAtomicUint32 is the size of an atomic.Uint32 variable.
	sizeOfAtomicUint32 = 4
)
