package vhost

import "github.com/astracat2022/edged/internal/config"

// Build converts the loaded configuration's servers into VirtualHost
// values and an immutable Router over them. Each Server.Hostname is
// treated as the list of domain patterns it owns — the on-disk model
// allows only one pattern per server block, so Patterns has length 1;
// callers needing multiple patterns per vhost compose several Server
// entries sharing the same ID.
func Build(cfg *config.Config) *Router {
	hosts := make([]*VirtualHost, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		id := s.ID
		if id == "" {
			id = s.Hostname
		}
		vh := &VirtualHost{
			ID:                id,
			Patterns:          []DomainPattern{ParsePattern(s.Hostname)},
			Priority:          s.Priority,
			Root:              s.Root,
			IndexFiles:        s.Index,
			ListingEnabled:    s.Listing,
			Backend:           s.Backend,
			SSL:               s.SSL,
			Rewrites:          s.Rewrites,
			HeaderOverrides:   s.Headers,
			Handles:           s.Handles,
			RequireOriginPull: s.RequireOriginPull,
		}
		hosts = append(hosts, vh)
	}
	return NewRouter(hosts)
}
