// Package alloc computes the next free host address in a subnet.
// Allocation is deterministic and side-effect-free: nothing is reserved
// until the caller persists the new peer, so the in-use set must be
// re-derived from the configuration inside the same transaction that
// writes it.
package alloc

import (
	"fmt"
	"net"
)

// NoCapacityError reports an exhausted subnet. The caller aborts the
// enclosing operation without mutating configuration.
type NoCapacityError struct {
	Subnet *net.IPNet
}

func (e *NoCapacityError) Error() string {
	return fmt.Sprintf("no free addresses left in %s", e.Subnet)
}

// Allocate scans host addresses in ascending order starting at the first
// usable host (network address + 1) and returns the first one not in
// inUse. The IPv4 broadcast address is skipped. Addresses in inUse outside
// the subnet are ignored, so the caller may pass the full claimed set of a
// dual-stack configuration.
func Allocate(subnet *net.IPNet, inUse []net.IP) (net.IP, error) {
	used := map[string]struct{}{}
	for _, ip := range inUse {
		if subnet.Contains(ip) {
			used[string(ip.To16())] = struct{}{}
		}
	}
	network := subnet.IP.Mask(subnet.Mask)
	isV4 := network.To4() != nil
	var broadcast net.IP
	if isV4 {
		broadcast = broadcastAddr(subnet)
	}
	candidate := nextAddr(network)
	for subnet.Contains(candidate) {
		if isV4 && candidate.Equal(broadcast) {
			break
		}
		if _, ok := used[string(candidate.To16())]; !ok {
			return candidate, nil
		}
		candidate = nextAddr(candidate)
	}
	return nil, &NoCapacityError{Subnet: subnet}
}

// nextAddr returns ip + 1 without modifying ip.
func nextAddr(ip net.IP) net.IP {
	next := make(net.IP, len(ip))
	copy(next, ip)
	for i := len(next) - 1; i >= 0; i-- {
		next[i]++
		if next[i] != 0 {
			break
		}
	}
	return next
}

// broadcastAddr returns the all-ones host address of an IPv4 subnet.
func broadcastAddr(subnet *net.IPNet) net.IP {
	network := subnet.IP.Mask(subnet.Mask).To4()
	mask := subnet.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	b := make(net.IP, net.IPv4len)
	for i := range b {
		b[i] = network[i] | ^mask[i]
	}
	return b
}
