// Package plugins catalogs the service namespaces a node can host.
package plugins

import "github.com/danmuck/peerwire/internal/services"

// Plugin installs one namespace's handlers into a registry.
type Plugin interface {
	Namespace() string
	Register(r *services.Registry) error
}

// Factory returns a fresh plugin with its own state.
type Factory func() Plugin
