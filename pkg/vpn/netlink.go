package vpn

import (
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
)

func prefixToIPNet(p netip.Prefix) (net.IP, *net.IPNet, error) {
	return net.ParseCIDR(p.Masked().String())
}

func SetDevAddr(iName string, addr netip.Prefix) error {
	nlAddr, err := netlink.ParseAddr(addr.String())
	if err != nil {
		return err
	}
	link, err := netlink.LinkByName(iName)
	if err != nil {
		return err
	}
	return netlink.AddrAdd(link, nlAddr)
}

func SetDevMTU(iName string, mtu int) error {
	link, err := netlink.LinkByName(iName)
	if err != nil {
		return err
	}
	return netlink.LinkSetMTU(link, mtu)
}

func SetDevUp(iName string) error {
	link, err := netlink.LinkByName(iName)
	if err != nil {
		return err
	}
	return netlink.LinkSetUp(link)
}

func AddRoute(iName string, dst netip.Prefix) error {
	link, err := netlink.LinkByName(iName)
	if err != nil {
		return err
	}
	_, ipNet, err := prefixToIPNet(dst)
	if err != nil {
		return err
	}
	route := netlink.Route{LinkIndex: link.Attrs().Index, Dst: ipNet}
	return netlink.RouteAdd(&route)
}

func DelRoute(iName string, dst netip.Prefix) error {
	link, err := netlink.LinkByName(iName)
	if err != nil {
		return err
	}
	_, ipNet, err := prefixToIPNet(dst)
	if err != nil {
		return err
	}
	route := netlink.Route{LinkIndex: link.Attrs().Index, Dst: ipNet}
	return netlink.RouteDel(&route)
}
