package poller

// sizeOfCacheLine is the largest common cache line size (Apple Silicon and
// other arm64 use 128 bytes, x86-64 uses 64).
const sizeOfCacheLine = 128
