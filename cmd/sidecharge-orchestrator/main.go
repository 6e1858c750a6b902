// SideCharge Orchestrator
// Main entry point for the fleet orchestration service
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sidecharge/orchestrator/internal/aggregate"
	"github.com/sidecharge/orchestrator/internal/carbon"
	"github.com/sidecharge/orchestrator/internal/digest"
	"github.com/sidecharge/orchestrator/internal/engine"
	"github.com/sidecharge/orchestrator/internal/objstore"
	"github.com/sidecharge/orchestrator/internal/ota"
	"github.com/sidecharge/orchestrator/internal/registry"
	"github.com/sidecharge/orchestrator/internal/scheduler"
	"github.com/sidecharge/orchestrator/internal/storage"
	"github.com/sidecharge/orchestrator/internal/tasks"
	"github.com/sidecharge/orchestrator/internal/transport"
)

// Config represents the configuration file structure
type Config struct {
	Fleet struct {
		ID       string `yaml:"id"`
		Timezone string `yaml:"timezone"`
	} `yaml:"fleet"`

	Transport struct {
		Mode string `yaml:"mode"` // netserver or gateway

		NetServer struct {
			BaseURL      string `yaml:"base_url"`
			WebSocketURL string `yaml:"websocket_url"`
			APIKey       string `yaml:"api_key"`
		} `yaml:"netserver"`

		Gateway struct {
			EventURL   string `yaml:"event_url"`
			CommandURL string `yaml:"command_url"`
		} `yaml:"gateway"`
	} `yaml:"transport"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Carbon struct {
		BaseURL  string `yaml:"base_url"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		Region   string `yaml:"region"`
	} `yaml:"carbon"`

	Scheduler struct {
		TickInterval    int    `yaml:"tick_interval"` // Seconds
		MoerThreshold   int    `yaml:"moer_threshold"`
		TOUStartHour    int    `yaml:"tou_start_hour"`
		TOUEndHour      int    `yaml:"tou_end_hour"`
		DownlinkAuthKey string `yaml:"downlink_auth_key"` // Hex
	} `yaml:"scheduler"`

	OTA struct {
		StoreDir         string `yaml:"store_dir"`
		Bucket           string `yaml:"bucket"`
		SigningPublicKey string `yaml:"signing_public_key"` // Hex
		AutoDeploy       bool   `yaml:"auto_deploy"`
	} `yaml:"ota"`

	Logging struct {
		File string `yaml:"file"`
	} `yaml:"logging"`
}

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "sidecharge-orchestrator",
		Short: "SideCharge Fleet Orchestrator",
		Long:  "Cloud orchestration service for SideCharge EV charge controllers. Manages telemetry ingestion, demand-response scheduling, and firmware delivery.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator service",
		RunE:  runOrchestrator,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("SideCharge Orchestrator v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/sidecharge/orchestrator.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Secrets come from the environment when set, so the config file
	// can stay free of credentials.
	if v := os.Getenv("WATTTIME_USERNAME"); v != "" {
		cfg.Carbon.Username = v
	}
	if v := os.Getenv("WATTTIME_PASSWORD"); v != "" {
		cfg.Carbon.Password = v
	}
	if v := os.Getenv("CMD_AUTH_KEY"); v != "" {
		cfg.Scheduler.DownlinkAuthKey = v
	}

	return &cfg, nil
}

func buildTransport(cfg *Config) (transport.Transport, error) {
	switch cfg.Transport.Mode {
	case "", "netserver":
		if cfg.Transport.NetServer.BaseURL == "" || cfg.Transport.NetServer.WebSocketURL == "" {
			return nil, fmt.Errorf("transport.netserver.base_url and websocket_url are required")
		}
		nsCfg := transport.DefaultNetServerConfig()
		nsCfg.BaseURL = cfg.Transport.NetServer.BaseURL
		nsCfg.WebSocketURL = cfg.Transport.NetServer.WebSocketURL
		nsCfg.APIKey = cfg.Transport.NetServer.APIKey
		nsCfg.FleetID = cfg.Fleet.ID
		return transport.NewNetServerClient(nsCfg), nil

	case "gateway":
		gwCfg := transport.DefaultGatewayConfig()
		if cfg.Transport.Gateway.EventURL != "" {
			gwCfg.EventURL = cfg.Transport.Gateway.EventURL
		}
		if cfg.Transport.Gateway.CommandURL != "" {
			gwCfg.CommandURL = cfg.Transport.Gateway.CommandURL
		}
		return transport.NewGatewayBridge(gwCfg), nil

	default:
		return nil, fmt.Errorf("unknown transport mode %q", cfg.Transport.Mode)
	}
}

func runOrchestrator(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Fleet.ID == "" {
		return fmt.Errorf("fleet.id is required")
	}
	if cfg.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	tz := cfg.Fleet.Timezone
	if tz == "" {
		tz = "America/Denver"
	}

	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	reg := registry.New(db)

	tr, err := buildTransport(cfg)
	if err != nil {
		return err
	}

	carbonClient := carbon.New(carbon.Config{
		BaseURL:     cfg.Carbon.BaseURL,
		Username:    cfg.Carbon.Username,
		Password:    cfg.Carbon.Password,
		Region:      cfg.Carbon.Region,
		SignalType:  "co2_moer",
		HTTPTimeout: 10 * time.Second,
	})

	schedCfg := scheduler.DefaultConfig()
	schedCfg.Timezone = tz
	schedCfg.DownlinkAuthHex = cfg.Scheduler.DownlinkAuthKey
	if cfg.Scheduler.TickInterval > 0 {
		schedCfg.TickInterval = time.Duration(cfg.Scheduler.TickInterval) * time.Second
	}
	if cfg.Scheduler.MoerThreshold > 0 {
		schedCfg.MoerThreshold = cfg.Scheduler.MoerThreshold
	}
	if cfg.Scheduler.TOUStartHour > 0 {
		schedCfg.TOUStartHour = cfg.Scheduler.TOUStartHour
	}
	if cfg.Scheduler.TOUEndHour > 0 {
		schedCfg.TOUEndHour = cfg.Scheduler.TOUEndHour
	}
	sched, err := scheduler.New(schedCfg, db, reg, tr, carbonClient)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	storeDir := cfg.OTA.StoreDir
	if storeDir == "" {
		storeDir = "/var/lib/sidecharge/objects"
	}
	bucket := cfg.OTA.Bucket
	if bucket == "" {
		bucket = "sidecharge-firmware"
	}
	store, err := objstore.NewFSStore(bucket, storeDir)
	if err != nil {
		return fmt.Errorf("failed to create object store: %w", err)
	}

	otaCfg := ota.DefaultConfig()
	otaCfg.Timezone = tz
	otaCfg.SigningPubHex = cfg.OTA.SigningPublicKey
	otaEngine, err := ota.New(otaCfg, db, store, bucket, tr)
	if err != nil {
		return fmt.Errorf("failed to create OTA engine: %w", err)
	}

	queue := tasks.New(tasks.DefaultConfig())

	engCfg := engine.DefaultConfig()
	engCfg.Timezone = tz
	engCfg.TOUStartHour = schedCfg.TOUStartHour
	engCfg.TOUEndHour = schedCfg.TOUEndHour
	eng, err := engine.New(engCfg, db, reg, tr, sched, otaEngine, queue)
	if err != nil {
		return fmt.Errorf("failed to create uplink engine: %w", err)
	}

	aggCfg := aggregate.DefaultConfig()
	aggCfg.Timezone = tz
	agg, err := aggregate.New(aggCfg, db, reg)
	if err != nil {
		return fmt.Errorf("failed to create aggregator: %w", err)
	}

	digCfg := digest.DefaultConfig()
	digCfg.Timezone = tz
	dig, err := digest.New(digCfg, db, reg, nil)
	if err != nil {
		return fmt.Errorf("failed to create digest: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// New firmware objects landing in the store kick off a fleet deploy.
	if cfg.OTA.AutoDeploy {
		store.SetObjectCreatedHandler(func(bucket, key string) {
			devices, err := reg.ActiveDevices()
			if err != nil {
				log.Printf("Auto-deploy of %s failed: %v", key, err)
				return
			}
			otaEngine.InvalidateCache(key)
			log.Printf("New firmware %s, deploying to %d devices", key, len(devices))
			otaEngine.Deploy(ctx, devices, key)
		})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("Starting SideCharge Orchestrator for fleet %s", cfg.Fleet.ID)
	if err := tr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start uplink engine: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if err := otaEngine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start OTA engine: %w", err)
	}
	if err := store.StartWatch(); err != nil {
		return fmt.Errorf("failed to start firmware watch: %w", err)
	}
	if err := agg.Start(); err != nil {
		return fmt.Errorf("failed to start aggregator: %w", err)
	}
	if err := dig.Start(); err != nil {
		return fmt.Errorf("failed to start digest: %w", err)
	}

	sig := <-sigChan
	log.Printf("Received signal %v, shutting down...", sig)

	if err := dig.Stop(); err != nil {
		log.Printf("Error stopping digest: %v", err)
	}
	if err := agg.Stop(); err != nil {
		log.Printf("Error stopping aggregator: %v", err)
	}
	if err := store.StopWatch(); err != nil {
		log.Printf("Error stopping firmware watch: %v", err)
	}
	if err := otaEngine.Stop(); err != nil {
		log.Printf("Error stopping OTA engine: %v", err)
	}
	if err := sched.Stop(); err != nil {
		log.Printf("Error stopping scheduler: %v", err)
	}
	if err := eng.Stop(); err != nil {
		log.Printf("Error stopping uplink engine: %v", err)
	}
	if err := tr.Stop(); err != nil {
		log.Printf("Error stopping transport: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}
