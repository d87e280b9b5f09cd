// Package builtin assembles the format registry shipped with the module.
package builtin

import (
	"spectroscopy/pkg/formats"
	"spectroscopy/plugins/flyspec"
	"spectroscopy/plugins/flyspecflux"
	"spectroscopy/plugins/flyspecref"
	"spectroscopy/plugins/flyspecwind"
	"spectroscopy/plugins/minidoas"
	"spectroscopy/plugins/nzmetservice"
)

// Plugins returns a fresh instance of every built-in reader.
func Plugins() []formats.Plugin {
	return []formats.Plugin{
		flyspec.New(),
		flyspecflux.New(),
		flyspecref.New(),
		flyspecwind.New(),
		minidoas.New(),
		nzmetservice.New(),
	}
}

// Default returns a registry holding every built-in reader.
func Default() *formats.Registry {
	reg, err := formats.NewRegistry(Plugins()...)
	if err != nil {
		// built-in format names are distinct constants
		panic(err)
	}
	return reg
}
