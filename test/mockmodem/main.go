// Mock baseband for end-to-end testing of imsd over the UDP transport.
// Every service listens on the base port plus its service id; WDS keeps
// profiles and bearers, the other services answer with a bare success.
//
// Usage:
//
//	go run ./test/mockmodem [--base 127.0.0.1:9000] [--pool 10.60.0.0/24]
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"imsd/internal/baseband"
	"imsd/internal/modemsim"
	"imsd/internal/profiles"
	"imsd/internal/qmi"
	"imsd/internal/services"
)

func main() {
	base := flag.String("base", "127.0.0.1:9000", "Base UDP address; each service adds its id to the port")
	cidr := flag.String("pool", "10.60.0.0/24", "IPv4 range bearer addresses are drawn from")
	failStarts := flag.Int("fail-starts", 0, "Answer this many StartNetwork requests with CallFailed")
	mtu := flag.Uint("mtu", modemsim.DefaultMTU, "MTU reported in current settings")
	profileFile := flag.String("profiles", "", "Profile catalogue to seed the profile table with")
	seed := flag.String("seed", "", "Catalogue selector to pre-provision (empty leaves the table empty)")
	level := flag.String("log-level", "info", "Log level (debug|info|warn|error)")
	flag.Parse()

	if lvl, err := log.ParseLevel(*level); err == nil {
		log.SetLevel(lvl)
	}
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	pool, err := modemsim.NewAddressPool(*cidr)
	if err != nil {
		log.WithError(err).Fatal("Invalid address pool")
	}

	var seeded []baseband.Profile
	if *seed != "" {
		cat, err := profiles.Load(*profileFile)
		if err != nil {
			log.WithError(err).Fatal("Failed to load profile catalogue")
		}
		p, err := cat.Select(*seed)
		if err != nil {
			log.WithError(err).Fatal("Failed to select seed profile")
		}
		seeded = append(seeded, p)
	}

	modem, err := modemsim.New(modemsim.Options{
		Pool:       pool,
		Profiles:   seeded,
		FailStarts: *failStarts,
		MTU:        uint32(*mtu),
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to create modem")
	}

	svcs := []qmi.Service{qmi.ServiceWDS}
	for _, k := range services.AllKinds {
		svcs = append(svcs, k.Service())
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Shutting down")
		cancel()
	}()

	if err := modem.ListenAndServe(ctx, *base, svcs); err != nil {
		log.WithError(err).Fatal("Mock modem failed")
	}

	st := modem.Stats()
	log.WithFields(log.Fields{
		"received": st.Received,
		"sent":     st.Sent,
		"errors":   st.Errors,
		"bearers":  st.Bearers,
	}).Info("Mock modem stopped")
}
