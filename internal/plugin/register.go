package plugin

import (
	"github.com/wudi/dataplane/internal/config"
	"github.com/wudi/dataplane/internal/filters"
)

// Register adds a factory for every filter of every module, under the id
// "<plugin>.<filter>".
func Register(reg *filters.Registry, modules map[string]*Module) {
	for name, m := range modules {
		for filter := range m.exports {
			reg.Register(config.PluginFilterID(name, filter), func(settings map[string]string) (filters.Instance, error) {
				return m.Instance(filter, settings)
			})
		}
	}
}
