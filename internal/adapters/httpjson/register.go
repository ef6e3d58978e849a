package httpjson

import (
	"go.uber.org/zap"

	"github.com/sells-group/lead-enrichment/internal/waterfall/provider"
)

// Register builds an adapter for every provider in f and adds it to reg
// with its own limits, or the registry defaults when it has none. It
// returns the registered adapters by name.
func (f *File) Register(reg *provider.Registry, opts ...Option) map[string]*Adapter {
	out := make(map[string]*Adapter, len(f.Providers))
	for _, name := range f.Names() {
		def := f.Providers[name]
		a := New(name, def, opts...)
		reg.Register(a, def.Limits)
		out[name] = a
		zap.L().Debug("httpjson: registered provider",
			zap.String("provider", name),
			zap.Strings("fields", a.Fields()),
		)
	}
	return out
}
