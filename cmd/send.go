package cmd

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/user/meshdrop/frame"
)

var (
	sendTo      string
	sendTTL     uint8
	sendTimeout time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send <file>",
	Short: "Send a file into the mesh and wait for acknowledgement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}

		var recipient *frame.ID
		if sendTo != "" {
			id, err := frame.ParseID(sendTo)
			if err != nil {
				return err
			}
			recipient = &id
		}

		n, err := startNode(0)
		if err != nil {
			return err
		}
		defer n.close()

		// Discovery needs a moment before anyone is reachable
		fmt.Print("waiting for peers")
		deadline := time.Now().Add(sendTimeout)
		for len(n.link.Peers()) == 0 {
			if time.Now().After(deadline) {
				fmt.Println()
				return fmt.Errorf("no peers discovered within %s", sendTimeout)
			}
			fmt.Print(".")
			time.Sleep(500 * time.Millisecond)
		}
		fmt.Printf(" found %d\n", len(n.link.Peers()))

		id, err := n.engine.Send(payload, detectType(args[0], payload), recipient, sendTTL)
		if err != nil {
			return err
		}

		_, total, _ := n.engine.Progress(id)
		bar := progressbar.NewOptions(total,
			progressbar.OptionSetDescription(fmt.Sprintf("transfer %s", id.Short())),
			progressbar.OptionShowCount(),
		)

		for {
			acked, _, pending := n.engine.Progress(id)
			if !pending {
				snap := n.engine.PendingSnapshot()
				for _, failed := range snap.Failed {
					if failed.TransferID == id {
						fmt.Println()
						return fmt.Errorf("transfer abandoned after %d attempts", failed.AttemptCount)
					}
				}
				bar.Finish()
				fmt.Println("\nacknowledged end-to-end")
				return nil
			}
			bar.Set(acked)
			time.Sleep(200 * time.Millisecond)
		}
	},
}

// detectType tags the payload so receivers can name the stored file; the
// extension wins, content sniffing is the fallback.
func detectType(path string, payload []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return http.DetectContentType(payload)
}

func init() {
	sendCmd.Flags().StringVar(&sendTo, "to", "", "recipient node id (hex); empty broadcasts to the whole mesh")
	sendCmd.Flags().Uint8Var(&sendTTL, "ttl", 0, "hop budget (0 uses the default)")
	sendCmd.Flags().DurationVar(&sendTimeout, "discovery-timeout", 30*time.Second, "how long to wait for the first peer")
	rootCmd.AddCommand(sendCmd)
}
