package netutil

import (
	"net"
	"testing"
)

func TestIsCGNAT(t *testing.T) {
	cases := map[string]bool{
		"100.64.0.1":    true,
		"100.127.255.1": true,
		"100.63.0.1":    false,
		"100.128.0.1":   false,
		"192.168.1.10":  false,
		"::1":           false,
	}
	for in, want := range cases {
		if got := IsCGNAT(net.ParseIP(in)); got != want {
			t.Errorf("IsCGNAT(%s) = %v, want %v", in, got, want)
		}
	}
}

func TestUsableIPv4(t *testing.T) {
	lan := &net.IPNet{IP: net.ParseIP("10.0.0.5"), Mask: net.CIDRMask(24, 32)}
	if ip := usableIPv4(lan); ip == nil || ip.String() != "10.0.0.5" {
		t.Errorf("expected 10.0.0.5, got %v", ip)
	}

	loop := &net.IPAddr{IP: net.ParseIP("127.0.0.1")}
	if ip := usableIPv4(loop); ip != nil {
		t.Errorf("loopback should be rejected, got %v", ip)
	}

	v6 := &net.IPNet{IP: net.ParseIP("fe80::1"), Mask: net.CIDRMask(64, 128)}
	if ip := usableIPv4(v6); ip != nil {
		t.Errorf("IPv6 should be rejected, got %v", ip)
	}

	vpn := &net.IPNet{IP: net.ParseIP("100.100.1.1"), Mask: net.CIDRMask(10, 32)}
	if ip := usableIPv4(vpn); ip != nil {
		t.Errorf("CGNAT address should be rejected, got %v", ip)
	}
}
