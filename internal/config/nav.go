package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DefaultConfigPath is the path to the canonical navigation defaults file.
const DefaultConfigPath = "config/nav.defaults.json"

// SensorMount describes one sonar fixed to the cart body. MountDeg is measured
// from the cart heading, positive clockwise.
type SensorMount struct {
	Name     string  `json:"name"`
	MountDeg float64 `json:"mount_deg"`
	MaxRange float64 `json:"max_range"`
}

// Place is a named world-coordinate location.
type Place struct {
	Name string  `json:"name"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

// SerialConfig mirrors serialmux.PortOptions so the JSON can be passed through.
type SerialConfig struct {
	BaudRate int    `json:"baud_rate,omitempty"`
	DataBits int    `json:"data_bits,omitempty"`
	StopBits int    `json:"stop_bits,omitempty"`
	Parity   string `json:"parity,omitempty"`
}

// NavConfig is the root configuration for the cart. Every scalar is a pointer
// so partial files only override what they name; the Get* accessors supply
// defaults for anything omitted.
type NavConfig struct {
	// Occupancy map
	CellSize      *float64 `json:"cell_size,omitempty"`
	InitialWidth  *int     `json:"initial_width,omitempty"`
	InitialHeight *int     `json:"initial_height,omitempty"`
	GrowthMargin  *int     `json:"growth_margin,omitempty"`
	MaxExtent     *int     `json:"max_extent,omitempty"` // cells per axis, 0 = unbounded
	ConfirmHits   *int     `json:"confirm_hits,omitempty"`
	RayStep       *float64 `json:"ray_step,omitempty"`

	// Planner
	Connectivity     *int     `json:"connectivity,omitempty"` // 4 or 8
	MaxExpansions    *int     `json:"max_expansions,omitempty"`
	TentativePenalty *float64 `json:"tentative_penalty,omitempty"`

	// Controller
	TurnDeadbandDeg     *float64 `json:"turn_deadband_deg,omitempty"`
	ArrivalRadius       *float64 `json:"arrival_radius,omitempty"`
	ReplanIntervalTicks *int     `json:"replan_interval_ticks,omitempty"`
	TurnStepDeg         *float64 `json:"turn_step_deg,omitempty"`
	ForwardStep         *float64 `json:"forward_step,omitempty"`
	ForwardSpeed        *int     `json:"forward_speed,omitempty"`
	TurnSpeed           *int     `json:"turn_speed,omitempty"`

	// Loop cadence
	TickInterval     *string `json:"tick_interval,omitempty"`     // duration string like "200ms"
	SnapshotInterval *string `json:"snapshot_interval,omitempty"` // duration string like "30s"
	DwellTimeout     *string `json:"dwell_timeout,omitempty"`     // unconfirmed wait at a destination, "0s" disables

	// Start pose, sensors, workflow destinations
	Start        *Place           `json:"start,omitempty"`
	StartHeading *float64         `json:"start_heading,omitempty"`
	Sensors      []SensorMount    `json:"sensors,omitempty"`
	Home         *Place           `json:"home,omitempty"`
	Destinations map[string]Place `json:"destinations,omitempty"` // scanned code -> place

	MotorSerial *SerialConfig `json:"motor_serial,omitempty"`
	SonarSerial *SerialConfig `json:"sonar_serial,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyNavConfig returns a NavConfig with all fields unset.
func EmptyNavConfig() *NavConfig {
	return &NavConfig{}
}

// DefaultNavConfig returns a config with every scalar populated with the
// built-in defaults. The JSON defaults file carries the same values.
func DefaultNavConfig() *NavConfig {
	return &NavConfig{
		CellSize:            ptrFloat64(10),
		InitialWidth:        ptrInt(50),
		InitialHeight:       ptrInt(50),
		GrowthMargin:        ptrInt(10),
		MaxExtent:           ptrInt(2000),
		ConfirmHits:         ptrInt(3),
		RayStep:             ptrFloat64(10),
		Connectivity:        ptrInt(4),
		MaxExpansions:       ptrInt(250000),
		TentativePenalty:    ptrFloat64(0),
		TurnDeadbandDeg:     ptrFloat64(5),
		ArrivalRadius:       ptrFloat64(15),
		ReplanIntervalTicks: ptrInt(10),
		TurnStepDeg:         ptrFloat64(5),
		ForwardStep:         ptrFloat64(5),
		ForwardSpeed:        ptrInt(50),
		TurnSpeed:           ptrInt(40),
		TickInterval:        ptrString("200ms"),
		SnapshotInterval:    ptrString("30s"),
		DwellTimeout:        ptrString("0s"),
		StartHeading:        ptrFloat64(0),
		Sensors:             DefaultSensors(),
	}
}

// DefaultSensors is the three-sonar layout: left, front and right.
func DefaultSensors() []SensorMount {
	return []SensorMount{
		{Name: "left", MountDeg: -45, MaxRange: 200},
		{Name: "front", MountDeg: 0, MaxRange: 200},
		{Name: "right", MountDeg: 45, MaxRange: 200},
	}
}

// LoadNavConfig loads a NavConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadNavConfig(path string) (*NavConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyNavConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *NavConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadNavConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *NavConfig) Validate() error {
	if c.CellSize != nil && *c.CellSize <= 0 {
		return fmt.Errorf("cell_size must be positive, got %f", *c.CellSize)
	}
	if c.RayStep != nil && *c.RayStep <= 0 {
		return fmt.Errorf("ray_step must be positive, got %f", *c.RayStep)
	}
	if c.InitialWidth != nil && *c.InitialWidth < 1 {
		return fmt.Errorf("initial_width must be at least 1, got %d", *c.InitialWidth)
	}
	if c.InitialHeight != nil && *c.InitialHeight < 1 {
		return fmt.Errorf("initial_height must be at least 1, got %d", *c.InitialHeight)
	}
	if c.GrowthMargin != nil && *c.GrowthMargin < 0 {
		return fmt.Errorf("growth_margin must be non-negative, got %d", *c.GrowthMargin)
	}
	if c.MaxExtent != nil && *c.MaxExtent < 0 {
		return fmt.Errorf("max_extent must be non-negative, got %d", *c.MaxExtent)
	}
	if c.MaxExtent != nil && *c.MaxExtent > 0 {
		if c.GetInitialWidth() > *c.MaxExtent || c.GetInitialHeight() > *c.MaxExtent {
			return fmt.Errorf("initial size %dx%d exceeds max_extent %d", c.GetInitialWidth(), c.GetInitialHeight(), *c.MaxExtent)
		}
	}
	if c.ConfirmHits != nil && *c.ConfirmHits < 1 {
		return fmt.Errorf("confirm_hits must be at least 1, got %d", *c.ConfirmHits)
	}
	if c.Connectivity != nil && *c.Connectivity != 4 && *c.Connectivity != 8 {
		return fmt.Errorf("connectivity must be 4 or 8, got %d", *c.Connectivity)
	}
	if c.MaxExpansions != nil && *c.MaxExpansions < 0 {
		return fmt.Errorf("max_expansions must be non-negative, got %d", *c.MaxExpansions)
	}
	if c.TentativePenalty != nil && *c.TentativePenalty < 0 {
		return fmt.Errorf("tentative_penalty must be non-negative, got %f", *c.TentativePenalty)
	}
	if c.TurnDeadbandDeg != nil && (*c.TurnDeadbandDeg < 0 || *c.TurnDeadbandDeg >= 180) {
		return fmt.Errorf("turn_deadband_deg must be in [0, 180), got %f", *c.TurnDeadbandDeg)
	}
	if c.ArrivalRadius != nil && *c.ArrivalRadius <= 0 {
		return fmt.Errorf("arrival_radius must be positive, got %f", *c.ArrivalRadius)
	}
	if c.ReplanIntervalTicks != nil && *c.ReplanIntervalTicks < 0 {
		return fmt.Errorf("replan_interval_ticks must be non-negative, got %d", *c.ReplanIntervalTicks)
	}
	if c.TurnStepDeg != nil && *c.TurnStepDeg <= 0 {
		return fmt.Errorf("turn_step_deg must be positive, got %f", *c.TurnStepDeg)
	}
	if c.ForwardStep != nil && *c.ForwardStep <= 0 {
		return fmt.Errorf("forward_step must be positive, got %f", *c.ForwardStep)
	}
	if c.ForwardSpeed != nil && (*c.ForwardSpeed < 0 || *c.ForwardSpeed > 100) {
		return fmt.Errorf("forward_speed must be in [0, 100], got %d", *c.ForwardSpeed)
	}
	if c.TurnSpeed != nil && (*c.TurnSpeed < 0 || *c.TurnSpeed > 100) {
		return fmt.Errorf("turn_speed must be in [0, 100], got %d", *c.TurnSpeed)
	}
	if c.TickInterval != nil && *c.TickInterval != "" {
		d, err := time.ParseDuration(*c.TickInterval)
		if err != nil {
			return fmt.Errorf("invalid tick_interval '%s': %w", *c.TickInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("tick_interval must be positive, got %s", *c.TickInterval)
		}
	}
	if c.SnapshotInterval != nil && *c.SnapshotInterval != "" {
		if _, err := time.ParseDuration(*c.SnapshotInterval); err != nil {
			return fmt.Errorf("invalid snapshot_interval '%s': %w", *c.SnapshotInterval, err)
		}
	}
	if c.DwellTimeout != nil && *c.DwellTimeout != "" {
		d, err := time.ParseDuration(*c.DwellTimeout)
		if err != nil {
			return fmt.Errorf("invalid dwell_timeout '%s': %w", *c.DwellTimeout, err)
		}
		if d < 0 {
			return fmt.Errorf("dwell_timeout must not be negative, got %s", *c.DwellTimeout)
		}
	}
	seen := make(map[string]bool, len(c.Sensors))
	for i, s := range c.Sensors {
		if s.Name == "" {
			return fmt.Errorf("sensors[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("sensors[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
		if s.MaxRange <= 0 {
			return fmt.Errorf("sensor %q: max_range must be positive, got %f", s.Name, s.MaxRange)
		}
	}
	for code := range c.Destinations {
		if code == "" {
			return fmt.Errorf("destinations: empty code")
		}
	}
	return nil
}

// GetCellSize returns the world units per grid cell.
func (c *NavConfig) GetCellSize() float64 {
	if c.CellSize == nil {
		return 10 // default
	}
	return *c.CellSize
}

// GetInitialWidth returns the starting grid width in cells.
func (c *NavConfig) GetInitialWidth() int {
	if c.InitialWidth == nil {
		return 50 // default
	}
	return *c.InitialWidth
}

// GetInitialHeight returns the starting grid height in cells.
func (c *NavConfig) GetInitialHeight() int {
	if c.InitialHeight == nil {
		return 50 // default
	}
	return *c.InitialHeight
}

// GetGrowthMargin returns the slack added beyond a touched cell when growing.
func (c *NavConfig) GetGrowthMargin() int {
	if c.GrowthMargin == nil {
		return 10 // default
	}
	return *c.GrowthMargin
}

// GetMaxExtent returns the per-axis grid cap, 0 meaning unbounded.
func (c *NavConfig) GetMaxExtent() int {
	if c.MaxExtent == nil {
		return 2000 // default
	}
	return *c.MaxExtent
}

// GetConfirmHits returns the hit count at which a cell becomes a confirmed obstacle.
func (c *NavConfig) GetConfirmHits() int {
	if c.ConfirmHits == nil {
		return 3 // default
	}
	return *c.ConfirmHits
}

// GetRayStep returns the ray-march step in world units.
func (c *NavConfig) GetRayStep() float64 {
	if c.RayStep == nil {
		return 10 // default
	}
	return *c.RayStep
}

// GetConnectivity returns 4 or 8.
func (c *NavConfig) GetConnectivity() int {
	if c.Connectivity == nil {
		return 4 // default
	}
	return *c.Connectivity
}

// GetMaxExpansions returns the planner node budget, 0 meaning unlimited.
func (c *NavConfig) GetMaxExpansions() int {
	if c.MaxExpansions == nil {
		return 250000 // default
	}
	return *c.MaxExpansions
}

// GetTentativePenalty returns the extra step cost for entering a tentative cell.
func (c *NavConfig) GetTentativePenalty() float64 {
	if c.TentativePenalty == nil {
		return 0 // default
	}
	return *c.TentativePenalty
}

// GetTurnDeadbandDeg returns the heading error tolerated before turning.
func (c *NavConfig) GetTurnDeadbandDeg() float64 {
	if c.TurnDeadbandDeg == nil {
		return 5 // default
	}
	return *c.TurnDeadbandDeg
}

// GetArrivalRadius returns the waypoint arrival radius in world units.
func (c *NavConfig) GetArrivalRadius() float64 {
	if c.ArrivalRadius == nil {
		return 15 // default
	}
	return *c.ArrivalRadius
}

// GetReplanIntervalTicks returns how many ticks a path is followed before a
// forced re-plan. 0 disables periodic re-planning.
func (c *NavConfig) GetReplanIntervalTicks() int {
	if c.ReplanIntervalTicks == nil {
		return 10 // default
	}
	return *c.ReplanIntervalTicks
}

// GetTurnStepDeg returns the heading change applied per turn tick.
func (c *NavConfig) GetTurnStepDeg() float64 {
	if c.TurnStepDeg == nil {
		return 5 // default
	}
	return *c.TurnStepDeg
}

// GetForwardStep returns the distance travelled per forward tick.
func (c *NavConfig) GetForwardStep() float64 {
	if c.ForwardStep == nil {
		return 5 // default
	}
	return *c.ForwardStep
}

// GetForwardSpeed returns the 0-100 drive speed for forward commands.
func (c *NavConfig) GetForwardSpeed() int {
	if c.ForwardSpeed == nil {
		return 50 // default
	}
	return *c.ForwardSpeed
}

// GetTurnSpeed returns the 0-100 drive speed for turn commands.
func (c *NavConfig) GetTurnSpeed() int {
	if c.TurnSpeed == nil {
		return 40 // default
	}
	return *c.TurnSpeed
}

// GetTickInterval parses and returns the control loop period.
func (c *NavConfig) GetTickInterval() time.Duration {
	if c.TickInterval == nil || *c.TickInterval == "" {
		return 200 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.TickInterval)
	if err != nil || d <= 0 {
		return 200 * time.Millisecond // default on parse error
	}
	return d
}

// GetSnapshotInterval parses and returns the map persistence period.
// Zero disables periodic snapshots.
func (c *NavConfig) GetSnapshotInterval() time.Duration {
	if c.SnapshotInterval == nil || *c.SnapshotInterval == "" {
		return 30 * time.Second // default
	}
	d, err := time.ParseDuration(*c.SnapshotInterval)
	if err != nil {
		return 30 * time.Second // default on parse error
	}
	return d
}

// GetDwellTimeout returns how long the cart waits at a destination for a
// confirmation before heading home. Zero waits indefinitely.
func (c *NavConfig) GetDwellTimeout() time.Duration {
	if c.DwellTimeout == nil || *c.DwellTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(*c.DwellTimeout)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// GetStart returns the start position, defaulting to the centre of cell (1,1)
// so the cart begins clear of the append-only grid edge.
func (c *NavConfig) GetStart() Place {
	if c.Start == nil {
		cs := c.GetCellSize()
		return Place{Name: "start", X: 1.5 * cs, Y: 1.5 * cs}
	}
	return *c.Start
}

// GetStartHeading returns the initial heading in degrees.
func (c *NavConfig) GetStartHeading() float64 {
	if c.StartHeading == nil {
		return 0 // default
	}
	return *c.StartHeading
}

// GetSensors returns the configured sonar mounts or the default layout.
func (c *NavConfig) GetSensors() []SensorMount {
	if len(c.Sensors) == 0 {
		return DefaultSensors()
	}
	out := make([]SensorMount, len(c.Sensors))
	copy(out, c.Sensors)
	return out
}

// GetHome returns the return-to location for the delivery workflow,
// defaulting to the start position.
func (c *NavConfig) GetHome() Place {
	if c.Home == nil {
		p := c.GetStart()
		p.Name = "home"
		return p
	}
	return *c.Home
}

// GetDestinations returns the scanned-code lookup table.
func (c *NavConfig) GetDestinations() map[string]Place {
	out := make(map[string]Place, len(c.Destinations))
	for k, v := range c.Destinations {
		if v.Name == "" {
			v.Name = k
		}
		out[k] = v
	}
	return out
}

// DestinationCodes returns the configured codes in sorted order.
func (c *NavConfig) DestinationCodes() []string {
	codes := make([]string, 0, len(c.Destinations))
	for k := range c.Destinations {
		codes = append(codes, k)
	}
	sort.Strings(codes)
	return codes
}

// GetMotorSerial returns the motor board serial options.
func (c *NavConfig) GetMotorSerial() SerialConfig {
	if c.MotorSerial == nil {
		return SerialConfig{BaudRate: 115200}
	}
	return *c.MotorSerial
}

// GetSonarSerial returns the sonar board serial options.
func (c *NavConfig) GetSonarSerial() SerialConfig {
	if c.SonarSerial == nil {
		return SerialConfig{BaudRate: 115200}
	}
	return *c.SonarSerial
}
