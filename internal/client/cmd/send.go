package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/manforowicz/gday/internal/client"
	"github.com/manforowicz/gday/internal/history"
	"github.com/manforowicz/gday/internal/offer"
	"github.com/manforowicz/gday/internal/sharecode"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send <paths...>",
	Short: "Offer files and/or directories to a peer",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSend,
}

func runSend(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}

	files, err := client.CollectFiles(args)
	if err != nil {
		return err
	}
	localOffer := offer.OfferFromLocal(files)
	var totalSize uint64
	for _, f := range localOffer.Files {
		totalSize += f.Size
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, serverID, err := connectForCode(ctx, 0, true, log)
	if err != nil {
		return err
	}

	code, err := sharecode.New(serverID)
	if err != nil {
		conn.Close()
		return err
	}

	fmt.Printf("Offering %d files (%s).\n", len(files), humanize.Bytes(totalSize))
	fmt.Printf("Tell your peer to run:\n\n    gday get %s\n\n", code)

	started := time.Now().Unix()
	peerConn, stream, err := client.EstablishPeer(ctx, conn, code, true, log)
	if err != nil {
		return err
	}
	defer peerConn.Close()

	if err := offer.WriteOffer(stream, localOffer); err != nil {
		return err
	}
	resp, err := offer.ReadResponse(stream)
	if err != nil {
		return err
	}
	if err := resp.Validate(localOffer); err != nil {
		return err
	}

	accepted := resp.AcceptedCount()
	if accepted == 0 {
		fmt.Println("Peer declined all files.")
		_ = stream.Close()
		return nil
	}
	fmt.Printf("Peer accepted %d of %d files (%s to send).\n",
		accepted, len(files), humanize.Bytes(resp.TransferSize(localOffer)))

	bar := progressbar.DefaultBytes(int64(resp.TransferSize(localOffer)), "sending")
	err = offer.SendFiles(stream, files, resp, func(p offer.Progress) {
		_ = bar.Set64(int64(p.ProcessedBytes))
	})
	if err == nil {
		err = stream.Close()
	}

	recordHistory(log, &history.Transfer{
		Direction: history.DirectionSend,
		Peer:      peerConn.RemoteAddr().String(),
		Files:     accepted,
		Bytes:     int64(resp.TransferSize(localOffer)),
		Status:    statusOf(err),
		StartedAt: started,
	})
	if err != nil {
		return err
	}

	fmt.Println("\nDone!")
	return nil
}

func statusOf(err error) string {
	if err != nil {
		return history.StatusFailed
	}
	return history.StatusOK
}
