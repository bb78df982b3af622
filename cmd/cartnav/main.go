package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/cartnav/internal/config"
	"github.com/banshee-data/cartnav/internal/db"
	"github.com/banshee-data/cartnav/internal/drive"
	"github.com/banshee-data/cartnav/internal/monitor"
	"github.com/banshee-data/cartnav/internal/monitoring"
	"github.com/banshee-data/cartnav/internal/navigation"
	"github.com/banshee-data/cartnav/internal/occupancy"
	"github.com/banshee-data/cartnav/internal/planner"
	"github.com/banshee-data/cartnav/internal/runner"
	"github.com/banshee-data/cartnav/internal/security"
	"github.com/banshee-data/cartnav/internal/serialmux"
	"github.com/banshee-data/cartnav/internal/sim"
	"github.com/banshee-data/cartnav/internal/sonar"
	"github.com/banshee-data/cartnav/internal/units"
	"github.com/banshee-data/cartnav/internal/version"
	"github.com/banshee-data/cartnav/internal/workflow"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Navigation config JSON")
	dbPath      = flag.String("db", "cartnav.db", "SQLite database path")
	listen      = flag.String("listen", ":8080", "Listen address")
	devMode     = flag.Bool("dev", false, "Run against the simulated floor instead of the sonar board")
	motorPort   = flag.String("motor-port", "", "Motor board serial device (empty disables the motors)")
	sonarPort   = flag.String("sonar-port", "", "Sonar board serial device (ignored in dev mode)")
	restoreRun  = flag.String("restore-run", "", "Seed the map from the latest snapshot of this run ID, or \"latest\" for any run")
	plotPath    = flag.String("plot", "", "Write a plot of the final map to this file on exit (png, svg or pdf)")
	showVersion = flag.Bool("version", false, "Print version and exit")
	debug       = flag.Bool("debug", false, "Log per-tick diagnostics")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("cartnav %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	monitoring.SetDebug(*debug)

	if err := run(); err != nil {
		log.Fatalf("cartnav: %v", err)
	}
}

func run() error {
	if *plotPath != "" {
		// The plot may also sit next to the database.
		if err := security.ValidateOutputPath(*plotPath, filepath.Dir(*dbPath)); err != nil {
			return fmt.Errorf("invalid -plot path: %w", err)
		}
	}

	cfg, err := config.LoadNavConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	database, err := db.NewDB(*dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	mode := "hardware"
	if *devMode {
		mode = "sim"
	}
	cartRun, err := database.CreateRun(mode, version.Version, string(cfgJSON), time.Now())
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	monitoring.Logf("[cartnav] run %s started (mode=%s version=%s)", cartRun.RunID, mode, version.Version)
	defer func() {
		if err := database.EndRun(cartRun.RunID, time.Now()); err != nil {
			monitoring.Logf("[cartnav] failed to close run: %v", err)
		}
	}()

	m := occupancy.NewMap(occupancy.MapConfigFromNav(cfg))
	if err := restoreMap(database, m, *restoreRun); err != nil {
		return err
	}

	motorMux, err := serialmux.OpenOrDisabled(*motorPort, serialmux.PortOptions(cfg.GetMotorSerial()))
	if err != nil {
		return fmt.Errorf("open motor board: %w", err)
	}
	// The serial driver closes the motor mux itself after a final STOP.
	driverOwnsMotor := false
	defer func() {
		if !driverOwnsMotor {
			motorMux.Close()
		}
	}()
	sonarDevice := *sonarPort
	if *devMode {
		sonarDevice = ""
	}
	sonarMux, err := serialmux.OpenOrDisabled(sonarDevice, serialmux.PortOptions(cfg.GetSonarSerial()))
	if err != nil {
		return fmt.Errorf("open sonar board: %w", err)
	}
	defer sonarMux.Close()
	for name, mux := range map[string]serialmux.SerialMuxInterface{"motor": motorMux, "sonar": sonarMux} {
		if err := mux.Initialize(); err != nil {
			return fmt.Errorf("initialize %s board: %w", name, err)
		}
	}

	var driver drive.Driver = drive.DisabledDriver{}
	if *motorPort != "" {
		driver = drive.NewSerialDriver(motorMux, 0)
		driverOwnsMotor = true
	}
	// Closed once the loop stops, while the motor monitor still reads the ack;
	// the defer covers early returns.
	closeDriver := sync.OnceValue(driver.Close)
	defer closeDriver()

	var sensors sonar.Source
	var serialSonar *sonar.SerialSource
	if *devMode {
		sensors = &sim.Sonar{World: sim.NewDemoWorld(cfg.GetCellSize()), Mounts: cfg.GetSensors()}
	} else {
		serialSonar = sonar.NewSerialSource(sonarMux, cfg.GetSensors())
		sensors = serialSonar
	}

	start := cfg.GetStart()
	ctrl := navigation.NewController(navigation.ConfigFromNav(cfg), m,
		planner.New(planner.OptionsFromNav(cfg)),
		units.Pose{X: start.X, Y: start.Y, Heading: cfg.GetStartHeading()})

	wf := workflow.New(workflow.Options{
		Home:         cfg.GetHome(),
		Destinations: cfg.GetDestinations(),
		DwellTimeout: cfg.GetDwellTimeout(),
		Recorder:     database.DeliveryRecorder(cartRun.RunID),
	}, ctrl)

	loop, err := runner.New(runner.Options{
		Map:              m,
		Controller:       ctrl,
		Sensors:          sensors,
		Driver:           driver,
		Workflow:         wf,
		Store:            database,
		RunID:            cartRun.RunID,
		SnapshotInterval: cfg.GetSnapshotInterval(),
		TickInterval:     cfg.GetTickInterval(),
	})
	if err != nil {
		return err
	}

	ws := monitor.NewWebServer(monitor.WebServerConfig{
		Address: *listen,
		Runner:  loop,
		Version: version.Version,
		AdminRoutes: []func(*http.ServeMux){
			database.AttachAdminRoutes,
			namedAdminRoutes(motorMux, "motor"),
			namedAdminRoutes(sonarMux, "sonar"),
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	boards := map[string]serialmux.SerialMuxInterface{"motor": motorMux, "sonar": sonarMux}
	err = superviseBoards(ctx, boards, func(ctx context.Context) error {
		g, ctx := errgroup.WithContext(ctx)
		if serialSonar != nil {
			g.Go(func() error { return ignoreCancel(serialSonar.Run(ctx)) })
		}
		g.Go(func() error { return loop.Run(ctx) })
		g.Go(func() error { return ws.Start(ctx) })
		return g.Wait()
	}, func() {
		if err := closeDriver(); err != nil {
			monitoring.Logf("[cartnav] closing motor driver: %v", err)
		}
	})
	monitoring.Logf("[cartnav] shutting down")

	if *plotPath != "" {
		path, idx := ctrl.Path()
		if idx > len(path) {
			idx = len(path)
		}
		if perr := monitor.SaveMapPlot(*plotPath, m.Snapshot(), ctrl.Pose(), path[idx:]); perr != nil {
			monitoring.Logf("[cartnav] map plot failed: %v", perr)
		} else {
			monitoring.Logf("[cartnav] map plot written to %s", *plotPath)
		}
	}
	return err
}

// restoreMap seeds m from a stored snapshot. which is a run ID, "latest" for
// the newest snapshot of any run, or empty to start blank.
func restoreMap(database *db.DB, m *occupancy.Map, which string) error {
	if which == "" {
		return nil
	}
	runID := which
	if which == "latest" {
		runID = ""
	}
	rec, err := database.LatestMapSnapshot(runID)
	if errors.Is(err, db.ErrNotFound) {
		monitoring.Logf("[cartnav] no snapshot to restore for %q, starting with an empty map", which)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if err := m.Restore(rec); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	w, h := m.Size()
	monitoring.Logf("[cartnav] restored %dx%d map from run %s (%d confirmed cells)", w, h, rec.RunID, m.ConfirmedCount())
	return nil
}

// namedAdminRoutes mounts a board's debug handlers under its own prefix when
// the mux supports it.
func namedAdminRoutes(mux serialmux.SerialMuxInterface, name string) func(*http.ServeMux) {
	return func(hm *http.ServeMux) {
		if named, ok := mux.(interface {
			AttachNamedAdminRoutes(*http.ServeMux, string)
		}); ok {
			named.AttachNamedAdminRoutes(hm, name)
			return
		}
		if name == "motor" {
			mux.AttachAdminRoutes(hm)
		}
	}
}

// superviseBoards runs work while the board monitors keep reading. The
// monitors are stopped only after work and then shutdown have returned, so
// replies to the STOP commands sent while stopping still arrive. A monitor
// failing before then cancels work; afterwards its error is only logged.
func superviseBoards(ctx context.Context, boards map[string]serialmux.SerialMuxInterface,
	work func(context.Context) error, shutdown func()) error {
	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()
	boardCtx, stopBoards := context.WithCancel(context.Background())
	defer stopBoards()

	var finished atomic.Bool
	var monitors errgroup.Group
	for name, mux := range boards {
		monitors.Go(func() error {
			err := monitorBoard(boardCtx, name, mux)
			if err != nil && finished.Load() {
				monitoring.Logf("[cartnav] %s monitor after shutdown: %v", name, err)
				return nil
			}
			if err != nil {
				cancelWork()
			}
			return err
		})
	}

	err := work(workCtx)
	finished.Store(true)
	if shutdown != nil {
		shutdown()
	}
	stopBoards()
	if merr := monitors.Wait(); err == nil {
		err = merr
	}
	return err
}

func monitorBoard(ctx context.Context, name string, mux serialmux.SerialMuxInterface) error {
	err := ignoreCancel(mux.Monitor(ctx))
	if err != nil {
		return fmt.Errorf("monitor %s board: %w", name, err)
	}
	monitoring.Logf("[cartnav] %s monitor routine terminated", name)
	return nil
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
