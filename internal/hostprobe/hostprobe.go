// Package hostprobe queries the OS for the facts a LocalDevice needs:
// host name, a replication-facing IPv4 address, a free TCP port, block
// device geometry, and a sparse backing file. Every result here is
// advisory -- another actor on the host can race it -- exactly like
// MinorAllocator's output; callers must be prepared to retry.
package hostprobe

import (
	"errors"
	"fmt"
	"net"
	"os"
	"unsafe"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// ErrNoReplicationAddress is returned when no non-loopback IPv4 address
// can be found on any interface.
var ErrNoReplicationAddress = errors.New("hostprobe: no non-loopback IPv4 address found")

// blkSSZGet and blkGetSize64 are the Linux ioctl request numbers for
// BLKSSZGET and BLKGETSIZE64; golang.org/x/sys/unix does not export
// block-device-specific ioctl numbers, so they're spelled out here the
// way the kernel header defines them.
const (
	blkSSZGet    = 0x1268
	blkGetSize64 = 0x80081272
)

// Hostname returns the local host name.
func Hostname() (string, error) {
	return os.Hostname()
}

// ReplicationIP returns the first non-loopback IPv4 address found on
// any interface, enumerated via netlink rather than by shelling out to
// ifconfig.
func ReplicationIP() (string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return "", fmt.Errorf("hostprobe: list links: %w", err)
	}

	for _, link := range links {
		if link.Attrs().Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ip := addr.IP
			if ip == nil || ip.IsLoopback() || ip.To4() == nil {
				continue
			}

			return ip.String(), nil
		}
	}

	return "", ErrNoReplicationAddress
}

// startPort is the first port probed by FreePort, per the RBD default
// replication port.
const startPort = 7789

// FreePort scans upward from startPort, returning the first port not
// bound on ip at the moment of the check.
func FreePort(ip string) (int, error) {
	for port := startPort; port < 65535; port++ {
		addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))

		lis, err := net.Listen("tcp", addr)
		if err != nil {
			continue
		}

		if err := lis.Close(); err != nil {
			return 0, err
		}

		return port, nil
	}

	return 0, fmt.Errorf("hostprobe: no free port found on %s starting at %d", ip, startPort)
}

// SectorSize returns the logical sector size of disk, via BLKSSZGET.
func SectorSize(disk string) (uint64, error) {
	f, err := os.Open(disk)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	size, err := unix.IoctlGetInt(int(f.Fd()), blkSSZGet)
	if err != nil {
		return 0, fmt.Errorf("hostprobe: BLKSSZGET %s: %w", disk, err)
	}

	return uint64(size), nil
}

// SectorCount returns the number of 512-byte sectors on disk, via
// BLKGETSIZE64 (byte size) divided by 512, matching the semantics of
// the `blockdev --getsize` tool named in the external interfaces.
func SectorCount(disk string) (uint64, error) {
	f, err := os.Open(disk)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var bytesSize uint64
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(blkGetSize64), uintptr(unsafe.Pointer(&bytesSize))); errno != 0 {
		return 0, fmt.Errorf("hostprobe: BLKGETSIZE64 %s: %w", disk, errno)
	}

	return bytesSize / 512, nil
}

// MakeSparseFile creates a new sparse file at path with the given size
// in bytes, and returns its path.
func MakeSparseFile(path string, size uint64) (string, error) {
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		return "", fmt.Errorf("hostprobe: truncate %s to %d: %w", path, size, err)
	}

	return path, nil
}
