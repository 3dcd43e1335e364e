package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"imsd/internal/api"
	"imsd/internal/baseband"
	"imsd/internal/capture"
	"imsd/internal/config"
	"imsd/internal/dcm"
	"imsd/internal/network"
	"imsd/internal/profiles"
	"imsd/internal/qmi"
	"imsd/internal/services"
	"imsd/internal/stats"
	"imsd/internal/store"
	"imsd/internal/wds"
)

var (
	version   = "0.3.0"
	cfgFile   string
	checkOnly bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "imsd",
		Short: "IMS modem daemon - bring up the IMS bearer and serve DCM",
		Long: `imsd emulates the data connection manager service the baseband expects
from the application processor. When the baseband activates a PDP context it
brings the IMS bearer up over WDS for that SIM slot and reports the acquired
address back.`,
		Version: version,
		RunE:    run,
	}

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "Configuration file path (default: imsd.yaml)")
	rootCmd.Flags().BoolVar(&checkOnly, "check", false, "Validate the configuration and profile catalogue, then exit")

	rootCmd.Flags().String("transport", "", "Baseband transport (qrtr|udp)")
	rootCmd.Flags().Uint32("node", 0, "QRTR node of the baseband")
	rootCmd.Flags().String("baseband", "", "Base UDP address of the emulated baseband")
	rootCmd.Flags().String("dcm-listen", "", "UDP address the DCM service listens on")
	rootCmd.Flags().Int("slots", 0, "Number of SIM slots")
	rootCmd.Flags().String("apn", "", "APN sent with StartNetwork")
	rootCmd.Flags().String("link-mode", "", "Link management (netlink|static)")
	rootCmd.Flags().String("profile", "", "Profile catalogue selector")
	rootCmd.Flags().String("profiles-file", "", "Profile catalogue file (hjson)")
	rootCmd.Flags().Int("max-step-failures", -1, "Give up after this many consecutive step failures (0 retries forever)")
	rootCmd.Flags().Int("max-retries", -1, "Retransmissions of an unanswered baseband request")
	rootCmd.Flags().String("store", "", "SQLite database for bring-up history (empty disables)")
	rootCmd.Flags().String("capture", "", "Write DCM traffic to this pcap file")
	rootCmd.Flags().String("log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.Flags().Bool("hexdump", false, "Log DCM packets as hex dumps at debug level")
	rootCmd.Flags().Bool("no-query", false, "Skip the auxiliary service status queries")
	rootCmd.Flags().String("lock-file", "", "Single instance lock file")
	rootCmd.Flags().String("api-listen", "", "Serve the HTTP status API on this address (empty disables)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	v := viper.New()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("imsd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/imsd")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		log.Debug("No config file found, using defaults and CLI flags")
	}

	bindViperFlags(v, cmd)

	if noQuery, _ := cmd.Flags().GetBool("no-query"); noQuery {
		v.Set("services.query", false)
	}

	cfg, err := config.LoadWithViper(v)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	setupLogging(cfg)

	fmt.Printf("imsd v%s\n", version)
	fmt.Println("==============================")
	fmt.Print(cfg.Summary())
	fmt.Println()

	if err := cfg.Validate(); err != nil {
		return err
	}

	catalogue, err := profiles.Load(cfg.Profiles.File)
	if err != nil {
		return fmt.Errorf("failed to load profile catalogue: %w", err)
	}
	profile, err := catalogue.Select(cfg.Profiles.Selected)
	if err != nil {
		return fmt.Errorf("available profiles %v: %w", catalogue.Selectors(), err)
	}

	if checkOnly {
		fmt.Printf("Configuration OK, profile %q (apn %s, mask 0x%x)\n", profile.Name, profile.APN, profile.APNTypeMask)
		return nil
	}

	if cfg.LockFile != "" {
		lock, err := acquireLock(cfg.LockFile)
		if err != nil {
			return err
		}
		defer lock.release()
	}

	return serve(cfg, profile)
}

func serve(cfg *config.Config, profile baseband.Profile) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	// Baseband clients outlive ctx so that shutdown can still stop the
	// bearers.
	clientCtx, cancelClients := context.WithCancel(context.Background())
	defer cancelClients()

	collector := stats.NewCollector()
	reporter := stats.NewReporter(collector, cfg.Stats.ReportIntervalSec, cfg.Stats.ExportFile)
	if cfg.Stats.Enabled {
		reporter.StartPeriodicReport(ctx)
	}

	var (
		recorder wds.EventRecorder
		history  api.HistorySource
	)
	if cfg.Store.Path != "" {
		db, err := store.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer db.Close()
		recorder = db
		history = db
		for slot := 0; slot < cfg.SIM.Slots; slot++ {
			if addr, ok, err := db.LastAddress(uint32(slot)); err == nil && ok {
				log.WithFields(log.Fields{"slot": slot, "address": addr}).Info("Previous bearer address")
			}
		}
	}

	conn, err := openDCM(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	var recorderDCM dcm.Recorder
	if cfg.Capture.File != "" {
		w, err := capture.Create(cfg.Capture.File, conn.LocalAddr())
		if err != nil {
			return fmt.Errorf("failed to create capture: %w", err)
		}
		defer func() {
			log.WithField("packets", w.Packets()).Info("Closed capture file")
			w.Close()
		}()
		recorderDCM = w
	}

	server := dcm.NewServer(conn, dcm.Options{
		Slots:   cfg.SIM.Slots,
		Hexdump: cfg.Logging.Hexdump,
		Stats:   collector,
		Capture: recorderDCM,
	})

	var clients []*baseband.Client
	defer func() {
		cancelClients()
		for _, c := range clients {
			c.Close()
		}
	}()

	basebands := make([]wds.Baseband, 0, cfg.SIM.Slots)
	for slot := 0; slot < cfg.SIM.Slots; slot++ {
		client, err := dialBaseband(ctx, cfg, qmi.ServiceWDS, cfg.WDS.RequestTimeout(), collector)
		if err != nil {
			return fmt.Errorf("slot %d: %w", slot, err)
		}
		client.Start(clientCtx)
		clients = append(clients, client)
		basebands = append(basebands, baseband.NewWDS(client, cfg.WDS.StartNetworkTimeout()))
	}

	manager := wds.NewManager(wds.Config{
		Profile:         profile,
		APN:             cfg.WDS.APN,
		Endpoint:        baseband.DataEndpoint{Type: cfg.WDS.EndpointType, Ifnum: cfg.WDS.EndpointIfnum},
		IPFamily:        baseband.IPFamilyIPv4,
		TickInterval:    cfg.WDS.TickInterval(),
		MaxStepFailures: cfg.WDS.MaxStepFailures,
	}, basebands, newLinkManager(cfg), server, recorder, collector)
	server.SetStarter(manager)

	var status api.StatusSource
	if cfg.Services.Query {
		querier := services.NewQuerier(time.Duration(cfg.Services.TimeoutMs) * time.Millisecond)
		for _, name := range cfg.Services.Enabled {
			kind, _ := services.ParseKind(name)
			client, err := dialBaseband(ctx, cfg, kind.Service(), cfg.WDS.RequestTimeout(), collector)
			if err != nil {
				log.WithError(err).WithField("service", kind.String()).Warn("Service unavailable, skipping status query")
				continue
			}
			client.Start(clientCtx)
			clients = append(clients, client)
			if err := querier.Register(kind, client); err != nil {
				log.WithError(err).Warn("Failed to register service client")
			}
		}
		querier.StartAll(ctx)
		status = querier
	}

	apiDone := make(chan struct{})
	if cfg.API.Listen != "" {
		registry := prometheus.NewRegistry()
		if err := registry.Register(stats.NewMetrics(collector)); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		statusAPI, err := api.NewServer(api.Options{
			Slots:      cfg.SIM.Slots,
			Version:    version,
			RunID:      collector.RunID,
			Bringup:    manager,
			DCM:        server,
			Services:   status,
			History:    history,
			Gatherer:   registry,
			Registerer: registry,
		})
		if err != nil {
			return err
		}
		go func() {
			defer close(apiDone)
			if err := statusAPI.ListenAndServe(ctx, cfg.API.Listen); err != nil {
				log.WithError(err).Error("Status API failed")
			}
		}()
	} else {
		close(apiDone)
	}

	managerDone := make(chan struct{})
	go func() {
		manager.Run(ctx)
		close(managerDone)
	}()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Run(ctx)
	}()

	log.Info("imsd running")
	select {
	case <-ctx.Done():
	case err = <-serverErr:
		if err != nil {
			log.WithError(err).Error("DCM server failed")
		}
		cancel()
	}

	<-managerDone
	<-apiDone

	if cfg.Stats.Enabled {
		collector.Finish()
		reporter.PrintFinalReport()
		if err := reporter.ExportJSON(); err != nil {
			log.WithError(err).Warn("Failed to export statistics")
		}
	}
	return err
}

// openDCM binds the socket the baseband sends DCM requests to. On QRTR
// the service is advertised on the router.
func openDCM(cfg *config.Config) (net.PacketConn, error) {
	if cfg.Device.Transport == config.TransportUDP {
		conn, err := network.ListenUDP(cfg.DCM.Listen)
		if err != nil {
			return nil, fmt.Errorf("failed to listen for DCM: %w", err)
		}
		return conn, nil
	}

	conn, err := network.OpenQRTR()
	if err != nil {
		return nil, fmt.Errorf("failed to open QRTR socket: %w", err)
	}
	if err := conn.Publish(dcm.ServiceID, dcm.ServiceVersion, dcm.ServiceInstance); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to publish DCM service: %w", err)
	}
	log.WithFields(log.Fields{
		"service":  dcm.ServiceID,
		"version":  dcm.ServiceVersion,
		"instance": dcm.ServiceInstance,
	}).Info("Published DCM service")
	return conn, nil
}

func dialBaseband(ctx context.Context, cfg *config.Config, service qmi.Service, timeout time.Duration, collector *stats.Collector) (*baseband.Client, error) {
	var (
		client *baseband.Client
		err    error
	)
	if cfg.Device.Transport == config.TransportUDP {
		client, err = baseband.DialUDP(cfg.Device.UDPLocal, cfg.Device.UDPBaseband, service, timeout, collector)
	} else {
		lookupCtx, cancel := context.WithTimeout(ctx, timeout)
		client, err = baseband.DialQRTR(lookupCtx, cfg.Device.Node, service, timeout, collector)
		cancel()
	}
	if err != nil {
		return nil, err
	}
	client.SetMaxRetries(cfg.WDS.MaxRetries)
	return client, nil
}

func newLinkManager(cfg *config.Config) wds.LinkManager {
	if cfg.WDS.LinkMode == config.LinkModeStatic {
		return baseband.NewStaticLinks(cfg.WDS.LinkPrefix)
	}
	return baseband.NewNetlinkLinks(cfg.WDS.LinkParent, cfg.WDS.LinkPrefix)
}

func setupLogging(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.WithError(err).Warn("Failed to open log file, using console only")
			return
		}
		if cfg.Logging.Console {
			log.SetOutput(io.MultiWriter(os.Stderr, f))
		} else {
			log.SetOutput(f)
		}
	}
}

func bindViperFlags(v *viper.Viper, cmd *cobra.Command) {
	if cmd.Flags().Changed("transport") {
		val, _ := cmd.Flags().GetString("transport")
		v.Set("device.transport", val)
	}
	if cmd.Flags().Changed("node") {
		val, _ := cmd.Flags().GetUint32("node")
		v.Set("device.node", val)
	}
	if cmd.Flags().Changed("baseband") {
		val, _ := cmd.Flags().GetString("baseband")
		v.Set("device.udp_baseband", val)
	}
	if cmd.Flags().Changed("dcm-listen") {
		val, _ := cmd.Flags().GetString("dcm-listen")
		v.Set("dcm.listen", val)
	}
	if cmd.Flags().Changed("slots") {
		val, _ := cmd.Flags().GetInt("slots")
		v.Set("sim.slots", val)
	}
	if cmd.Flags().Changed("apn") {
		val, _ := cmd.Flags().GetString("apn")
		v.Set("wds.apn", val)
	}
	if cmd.Flags().Changed("link-mode") {
		val, _ := cmd.Flags().GetString("link-mode")
		v.Set("wds.link_mode", val)
	}
	if cmd.Flags().Changed("profile") {
		val, _ := cmd.Flags().GetString("profile")
		v.Set("profiles.selected", val)
	}
	if cmd.Flags().Changed("profiles-file") {
		val, _ := cmd.Flags().GetString("profiles-file")
		v.Set("profiles.file", val)
	}
	if cmd.Flags().Changed("max-step-failures") {
		val, _ := cmd.Flags().GetInt("max-step-failures")
		v.Set("wds.max_step_failures", val)
	}
	if cmd.Flags().Changed("max-retries") {
		val, _ := cmd.Flags().GetInt("max-retries")
		v.Set("wds.max_retries", val)
	}
	if cmd.Flags().Changed("store") {
		val, _ := cmd.Flags().GetString("store")
		v.Set("store.path", val)
	}
	if cmd.Flags().Changed("capture") {
		val, _ := cmd.Flags().GetString("capture")
		v.Set("capture.file", val)
	}
	if cmd.Flags().Changed("log-level") {
		val, _ := cmd.Flags().GetString("log-level")
		v.Set("logging.level", val)
	}
	if cmd.Flags().Changed("hexdump") {
		val, _ := cmd.Flags().GetBool("hexdump")
		v.Set("logging.hexdump", val)
	}
	if cmd.Flags().Changed("lock-file") {
		val, _ := cmd.Flags().GetString("lock-file")
		v.Set("lock_file", val)
	}
	if cmd.Flags().Changed("api-listen") {
		val, _ := cmd.Flags().GetString("api-listen")
		v.Set("api.listen", val)
	}
}
