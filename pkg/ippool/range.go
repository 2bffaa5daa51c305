package ippool

import (
	"fmt"
	"net/netip"
)

// ExpandRange returns every address from start to end inclusive. Pool
// provisioning is an admin action; this helper exists for config-driven
// setups and tests.
func ExpandRange(start, end netip.Addr) ([]netip.Addr, error) {
	if !start.IsValid() || !end.IsValid() {
		return nil, fmt.Errorf("invalid address range %s-%s", start, end)
	}
	if start.Is4() != end.Is4() {
		return nil, fmt.Errorf("mixed address families in range %s-%s", start, end)
	}
	if end.Less(start) {
		return nil, fmt.Errorf("range end %s precedes start %s", end, start)
	}

	var addrs []netip.Addr
	for a := start; !end.Less(a); a = a.Next() {
		addrs = append(addrs, a)
		if a == end {
			break
		}
	}
	return addrs, nil
}
