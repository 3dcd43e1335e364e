// Command dcm-probe plays the baseband side of the DCM service against a
// running imsd over UDP, and summarises DCM capture files.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"imsd/internal/capture"
	"imsd/internal/dcm"
)

var (
	serverAddr string
	localAddr  string
	timeout    time.Duration
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dcm-probe",
		Short: "Exercise an imsd DCM service from the baseband side",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level, err := log.ParseLevel(logLevel)
			if err != nil {
				level = log.InfoLevel
			}
			log.SetLevel(level)
			log.SetFormatter(&log.TextFormatter{
				FullTimestamp:   true,
				TimestampFormat: "2006-01-02 15:04:05.000",
			})
		},
	}
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "127.0.0.1:9302", "DCM service address")
	rootCmd.PersistentFlags().StringVar(&localAddr, "local", "127.0.0.1:0", "Local UDP address")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "Response timeout")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug|info|warn|error)")

	rootCmd.AddCommand(activateCmd(), sendCmd(), captureSummaryCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func dial(ctx context.Context) (*dcm.Peer, error) {
	peer, err := dcm.DialPeer(localAddr, serverAddr, timeout, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to reach %s: %w", serverAddr, err)
	}
	peer.Start(ctx)
	return peer, nil
}

func activateCmd() *cobra.Command {
	var (
		req      dcm.ActivateRequest
		register bool
		wait     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Send an Activate request and optionally wait for the address indication",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			peer, err := dial(ctx)
			if err != nil {
				return err
			}
			defer peer.Close()

			if register {
				if err := peer.Ack(ctx, dcm.MsgRegister); err != nil {
					return fmt.Errorf("register: %w", err)
				}
			}

			act, err := peer.Activate(ctx, req)
			if err != nil {
				return fmt.Errorf("activate: %w", err)
			}
			fmt.Printf("Activated slot %d: pdp id %d, sequence 0x%x, instance %d\n",
				req.Slot, act.PDPID, act.Sequence, act.Instance)

			if wait <= 0 {
				return nil
			}
			waitCtx, waitCancel := context.WithTimeout(ctx, wait)
			defer waitCancel()
			ind, err := peer.WaitIndication(waitCtx)
			if err != nil {
				return fmt.Errorf("no address indication within %s: %w", wait, err)
			}
			fmt.Printf("Indication txn %d: address %s (family %d), pdp id %d\n",
				ind.TransactionID, ind.Address, ind.Family, ind.PDPID)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&req.Slot, "slot", 0, "SIM slot")
	cmd.Flags().Uint32Var(&req.Sequence, "sequence", 1, "Sequence id")
	cmd.Flags().Uint32Var(&req.Subscription, "subscription", 1, "Subscription id")
	cmd.Flags().Uint32Var(&req.Instance, "instance", 1, "Instance id")
	cmd.Flags().BoolVar(&register, "register", true, "Send Register first so indications reach this peer")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait this long for the address indication")
	return cmd
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <msg-id>",
		Short: "Send a bare DCM request, such as 0x2e, and check the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 0, 16)
			if err != nil {
				return fmt.Errorf("invalid message id %q: %w", args[0], err)
			}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			peer, err := dial(ctx)
			if err != nil {
				return err
			}
			defer peer.Close()

			if err := peer.Ack(ctx, uint16(id)); err != nil {
				return fmt.Errorf("%s: %w", dcm.MessageName(uint16(id)), err)
			}
			fmt.Printf("%s acknowledged\n", dcm.MessageName(uint16(id)))
			return nil
		},
	}
}

func captureSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capture-summary <file.pcap>",
		Short: "Count the DCM messages in a capture written by imsd",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			datagrams, err := capture.ReadFile(args[0])
			if err != nil {
				return err
			}
			counts := capture.CountMessages(datagrams)
			keys := make([]string, 0, len(counts))
			for k := range counts {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			fmt.Println("DCM Message Statistics:")
			total := 0
			for _, k := range keys {
				fmt.Printf("  %-40s %d\n", k, counts[k])
				total += counts[k]
			}
			fmt.Printf("  %-40s %d\n", "Total:", total)
			return nil
		},
	}
}
