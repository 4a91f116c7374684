package device

// defaultHostMemory is used when the platform cannot report physical memory.
const defaultHostMemory = 8 << 30
