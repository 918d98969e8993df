// Package builtin provides the filters compiled into the proxy.
package builtin

import (
	"fmt"

	"github.com/wudi/dataplane/internal/config"
	"github.com/wudi/dataplane/internal/filters"
)

// Register adds every builtin filter to reg.
func Register(reg *filters.Registry) {
	reg.Register(config.FilterBlockCIDR, newBlockCIDR)
	reg.Register(config.FilterRequestUpsertHeader, newRequestUpsertHeader)
	reg.Register(config.FilterRequestRemoveHeader, newRequestRemoveHeader)
	reg.Register(config.FilterRequestRewritePath, newRewritePath)
	reg.Register(config.FilterRequestStripPrefix, newStripPrefix)
	reg.Register(config.FilterResponseUpsertHeader, newResponseUpsertHeader)
	reg.Register(config.FilterResponseRemoveHeader, newResponseRemoveHeader)
}

func required(settings map[string]string, key string) (string, error) {
	v, ok := settings[key]
	if !ok || v == "" {
		return "", fmt.Errorf("missing required setting %q", key)
	}
	return v, nil
}
