package alloc

import (
	"errors"
	"fmt"
	"net"
	"testing"
)

func mustCIDR(t *testing.T, s string) *net.IPNet {
	t.Helper()
	_, subnet, err := net.ParseCIDR(s)
	if err != nil {
		t.Fatalf("failed to parse CIDR %q: %v", s, err)
	}
	return subnet
}

func ips(ss ...string) []net.IP {
	out := make([]net.IP, len(ss))
	for i, s := range ss {
		out[i] = net.ParseIP(s)
	}
	return out
}

func TestAllocateAscending(t *testing.T) {
	subnet := mustCIDR(t, "10.50.0.0/24")
	type test struct {
		inUse []net.IP
		want  string
	}
	tests := []test{
		{ips("10.50.0.1"), "10.50.0.2"},
		{ips("10.50.0.1", "10.50.0.2"), "10.50.0.3"},
		// lowest free address is reused after a removal
		{ips("10.50.0.1", "10.50.0.3"), "10.50.0.2"},
		{nil, "10.50.0.1"},
	}
	for _, tt := range tests {
		got, err := Allocate(subnet, tt.inUse)
		if err != nil {
			t.Fatalf("Allocate(%v, %v): %v", subnet, tt.inUse, err)
		}
		if !got.Equal(net.ParseIP(tt.want)) {
			t.Errorf("Allocate(%v, %v) = %v; want %v", subnet, tt.inUse, got, tt.want)
		}
	}
}

func TestAllocateDeterministic(t *testing.T) {
	subnet := mustCIDR(t, "10.50.0.0/24")
	inUse := ips("10.50.0.1", "10.50.0.2")
	a, err := Allocate(subnet, inUse)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Allocate(subnet, inUse)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Equal(b) {
		t.Errorf("two identical calls returned %v and %v", a, b)
	}
}

func TestAllocateSkipsBroadcast(t *testing.T) {
	subnet := mustCIDR(t, "10.0.0.0/30")
	got, err := Allocate(subnet, ips("10.0.0.1"))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(net.ParseIP("10.0.0.2")) {
		t.Errorf("got %v; want 10.0.0.2", got)
	}
	_, err = Allocate(subnet, ips("10.0.0.1", "10.0.0.2"))
	var noCap *NoCapacityError
	if !errors.As(err, &noCap) {
		t.Fatalf("expected NoCapacityError when only the broadcast address remains, got %v", err)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	subnet := mustCIDR(t, "192.168.7.0/29")
	var inUse []net.IP
	for i := 1; i <= 6; i++ {
		inUse = append(inUse, net.ParseIP(fmt.Sprintf("192.168.7.%d", i)))
	}
	_, err := Allocate(subnet, inUse)
	var noCap *NoCapacityError
	if !errors.As(err, &noCap) {
		t.Fatalf("expected NoCapacityError, got %v", err)
	}
	if noCap.Subnet.String() != "192.168.7.0/29" {
		t.Errorf("NoCapacityError names %s; want 192.168.7.0/29", noCap.Subnet)
	}
}

func TestAllocateIgnoresForeignAddrs(t *testing.T) {
	subnet := mustCIDR(t, "10.50.0.0/24")
	// addresses of the other family or subnet must not block allocation
	got, err := Allocate(subnet, ips("10.50.0.1", "192.168.1.2", "fd00::2"))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(net.ParseIP("10.50.0.2")) {
		t.Errorf("got %v; want 10.50.0.2", got)
	}
}

func TestAllocateIPv6(t *testing.T) {
	subnet := mustCIDR(t, "fd00:aa::/64")
	got, err := Allocate(subnet, ips("fd00:aa::1"))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(net.ParseIP("fd00:aa::2")) {
		t.Errorf("got %v; want fd00:aa::2", got)
	}
}
