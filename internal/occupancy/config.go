package occupancy

import (
	"fmt"

	"github.com/banshee-data/cartnav/internal/config"
)

// MapConfig holds the occupancy grid parameters.
type MapConfig struct {
	CellSize      float64 // world units per cell (default: 10)
	InitialWidth  int     // cells (default: 50)
	InitialHeight int     // cells (default: 50)
	GrowthMargin  int     // cells added past a touched coordinate when growing (default: 10)
	MaxExtent     int     // per-axis cap in cells, 0 = unbounded (default: 2000)
	ConfirmHits   uint32  // hits that confirm an obstacle (default: 3)
	RayStep       float64 // ray-march step in world units (default: 10)
}

// DefaultMapConfig returns the reference parameters.
func DefaultMapConfig() MapConfig {
	return MapConfigFromNav(config.EmptyNavConfig())
}

// MapConfigFromNav builds a MapConfig from a loaded NavConfig.
func MapConfigFromNav(cfg *config.NavConfig) MapConfig {
	return MapConfig{
		CellSize:      cfg.GetCellSize(),
		InitialWidth:  cfg.GetInitialWidth(),
		InitialHeight: cfg.GetInitialHeight(),
		GrowthMargin:  cfg.GetGrowthMargin(),
		MaxExtent:     cfg.GetMaxExtent(),
		ConfirmHits:   uint32(cfg.GetConfirmHits()),
		RayStep:       cfg.GetRayStep(),
	}
}

// Validate checks if the configuration is valid.
func (c MapConfig) Validate() error {
	if c.CellSize <= 0 {
		return fmt.Errorf("CellSize must be positive, got %f", c.CellSize)
	}
	if c.RayStep <= 0 {
		return fmt.Errorf("RayStep must be positive, got %f", c.RayStep)
	}
	if c.InitialWidth < 0 || c.InitialHeight < 0 {
		return fmt.Errorf("initial size must be non-negative, got %dx%d", c.InitialWidth, c.InitialHeight)
	}
	if c.GrowthMargin < 0 {
		return fmt.Errorf("GrowthMargin must be non-negative, got %d", c.GrowthMargin)
	}
	if c.MaxExtent < 0 {
		return fmt.Errorf("MaxExtent must be non-negative, got %d", c.MaxExtent)
	}
	if c.MaxExtent > 0 && (c.InitialWidth > c.MaxExtent || c.InitialHeight > c.MaxExtent) {
		return fmt.Errorf("initial size %dx%d exceeds MaxExtent %d", c.InitialWidth, c.InitialHeight, c.MaxExtent)
	}
	if c.ConfirmHits < 1 {
		return fmt.Errorf("ConfirmHits must be at least 1, got %d", c.ConfirmHits)
	}
	return nil
}
