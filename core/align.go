package core

// MB is the persistent-cache size unit.
const MB = 1 << 20

// maxPersistentCacheMB is the widest value the 16-bit context field holds.
const maxPersistentCacheMB = 0xFFFF

// AlignSize rounds size up to the specified power-of-two alignment boundary.
func AlignSize(size, align uint64) uint64 {
	return (size + align - 1) &^ (align - 1)
}

// PersistentCacheSizeMB converts a byte count to whole megabytes, rounding up.
func PersistentCacheSizeMB(bytes uint64) (uint16, error) {
	mb := AlignSize(bytes, MB) / MB
	if bytes > 0 && mb == 0 {
		// AlignSize wrapped past the top of uint64.
		mb = bytes/MB + 1
	}
	if mb > maxPersistentCacheMB {
		return 0, Malformedf("persistent cache of %d bytes is %d MB, above the %d MB limit", bytes, mb, maxPersistentCacheMB)
	}
	return uint16(mb), nil
}
