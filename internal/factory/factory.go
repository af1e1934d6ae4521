// Package factory constructs the configured sandbox provider. Pure
// dispatch; no state.
package factory

import (
	"fmt"

	"github.com/previewbox/previewbox/internal/config"
	"github.com/previewbox/previewbox/internal/docker"
	"github.com/previewbox/previewbox/internal/engine"
	"github.com/previewbox/previewbox/pkg/provider"
	"github.com/previewbox/previewbox/pkg/provider/e2b"
	"github.com/previewbox/previewbox/pkg/provider/vercel"
)

// New constructs a fresh provider instance for the backend selected in cfg.
// Each call returns an independent instance; a provider holds at most one
// live sandbox, so callers needing several sandboxes call New once per
// sandbox.
func New(cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case "docker":
		return engine.New(docker.NewClient(), engine.Options{
			Image:          cfg.DockerImage,
			Network:        cfg.DockerNetwork,
			WorkDir:        cfg.WorkDir,
			MemoryMB:       cfg.MemoryMB,
			CPUs:           cfg.CPUs,
			DevPort:        cfg.DevPort,
			Host:           cfg.SandboxHost,
			CommandTimeout: cfg.CommandTimeout,
		}), nil
	case "e2b":
		return e2b.New(e2b.Options{
			APIKey:  cfg.E2BAPIKey,
			DevPort: cfg.DevPort,
		}), nil
	case "vercel":
		return vercel.New(vercel.Options{
			Token:   cfg.VercelToken,
			TeamID:  cfg.VercelTeamID,
			Project: cfg.VercelProject,
			DevPort: cfg.DevPort,
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
