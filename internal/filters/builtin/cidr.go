package builtin

import (
	"fmt"
	"net/netip"
	"strings"

	"go.uber.org/zap"

	"github.com/wudi/dataplane/internal/errors"
	"github.com/wudi/dataplane/internal/filters"
)

// blockCIDR rejects clients whose address falls in any listed prefix.
type blockCIDR struct {
	prefixes []netip.Prefix
}

func newBlockCIDR(settings map[string]string) (filters.Instance, error) {
	addrs, err := required(settings, "addrs")
	if err != nil {
		return filters.Instance{}, err
	}
	f := &blockCIDR{}
	for _, raw := range strings.Split(addrs, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p, err := parsePrefix(raw)
		if err != nil {
			return filters.Instance{}, err
		}
		f.prefixes = append(f.prefixes, p)
	}
	if len(f.prefixes) == 0 {
		return filters.Instance{}, fmt.Errorf("addrs: no address given")
	}
	return filters.Action(f), nil
}

// parsePrefix accepts a CIDR or a bare IP, which becomes a single-host prefix.
func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("addrs: %w", err)
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("addrs: %w", err)
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}

func (f *blockCIDR) Filter(s *filters.Session) (bool, error) {
	addr, err := netip.ParseAddr(s.ClientIP)
	if err != nil {
		// Unknown source address is treated as blocked.
		s.Logger().Debug("Client address unknown, blocking", zap.String("client_ip", s.ClientIP))
		errors.ErrUnauthorized.WriteJSON(s.Writer)
		return true, nil
	}
	addr = addr.Unmap()
	for _, p := range f.prefixes {
		if p.Contains(addr) {
			s.Logger().Debug("Client blocked by CIDR", zap.String("client_ip", s.ClientIP), zap.Stringer("prefix", p))
			errors.ErrUnauthorized.WriteJSON(s.Writer)
			return true, nil
		}
	}
	return false, nil
}
