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

var getCmd = &cobra.Command{
	Use:   "get <share-code>",
	Short: "Receive the files a peer is offering",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

func runGet(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}

	code, err := sharecode.Parse(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, _, err := connectForCode(ctx, code.ServerID, false, log)
	if err != nil {
		return err
	}

	started := time.Now().Unix()
	peerConn, stream, err := client.EstablishPeer(ctx, conn, code, false, log)
	if err != nil {
		return err
	}
	defer peerConn.Close()

	theirOffer, err := offer.ReadOffer(stream)
	if err != nil {
		return err
	}

	dir, err := os.Getwd()
	if err != nil {
		return err
	}
	resp := offer.BuildResponse(dir, theirOffer)
	if err := offer.WriteResponse(stream, resp); err != nil {
		return err
	}

	accepted := resp.AcceptedCount()
	if accepted == 0 {
		fmt.Println("Nothing to receive; all offered files are already here.")
		return nil
	}
	fmt.Printf("Receiving %d of %d offered files (%s).\n",
		accepted, len(theirOffer.Files), humanize.Bytes(resp.TransferSize(theirOffer)))

	bar := progressbar.DefaultBytes(int64(resp.TransferSize(theirOffer)), "receiving")
	err = offer.ReceiveFiles(stream, theirOffer, resp, dir, func(p offer.Progress) {
		_ = bar.Set64(int64(p.ProcessedBytes))
	})

	recordHistory(log, &history.Transfer{
		Direction: history.DirectionReceive,
		Peer:      peerConn.RemoteAddr().String(),
		Files:     accepted,
		Bytes:     int64(resp.TransferSize(theirOffer)),
		Status:    statusOf(err),
		StartedAt: started,
	})
	if err != nil {
		return err
	}

	fmt.Println("\nDone!")
	return nil
}
