// Package metasize computes the required meta-disk size for a given
// backing disk geometry.
package metasize

// blocksPerExtent is 2^18, the number of sectors covered by one
// bitmap/activity-log extent.
const blocksPerExtent = 1 << 18

// Size returns the required meta-disk size, in bytes, for a disk with
// the given sector size and sector count:
//
//	(ceil(sectors/2^18) * 8 + 72) * bytesPerSector
func Size(bytesPerSector, sectors uint64) uint64 {
	extents := (sectors + blocksPerExtent - 1) / blocksPerExtent
	return (extents*8 + 72) * bytesPerSector
}
