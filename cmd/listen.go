package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/meshdrop/identity"
	"github.com/user/meshdrop/inbox"
	"github.com/user/meshdrop/logger"
)

var listenPort int

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Run a mesh node and receive payloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := startNode(listenPort)
		if err != nil {
			return err
		}
		defer n.close()

		n.engine.SetNotify(func(ev inbox.Event) {
			if ev.OriginalType == identity.TypeTag {
				payload, err := os.ReadFile(ev.Location)
				if err != nil {
					logger.Warn(n.cfg.NodeName, "read reveal payload: %v", err)
					return
				}
				if peer, ok := n.identity.HandleReveal(ev.OriginalType, payload); ok {
					fmt.Printf("peer %s revealed as %q\n", peer.NodeID.Short(), peer.NodeName)
				}
				return
			}
			fmt.Printf("received %s: %d bytes (%s) -> %s\n",
				ev.TransferID.Short(), ev.Size, ev.OriginalType, ev.Location)
		})

		fmt.Printf("node %q (%s) listening on %s, data in %s\n",
			n.cfg.NodeName, n.cfg.NodeID[:8], n.link.LocalAddr(), n.dataDir)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		fmt.Println("shutting down")
		return nil
	},
}

func init() {
	listenCmd.Flags().IntVar(&listenPort, "port", -1, "UDP port to listen on (-1 uses the configured port)")
	rootCmd.AddCommand(listenCmd)
}
