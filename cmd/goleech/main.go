package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nsavage/goleech/client"
)

func main() {
	const (
		torrentDescription = "Required: path of the torrent file."
		outDescription     = "Optional: output directory.\nIf not set, downloads next to the torrent file."
	)
	var torrentPath string
	var outPath string

	flag.StringVar(&torrentPath, "f", "", torrentDescription)
	flag.StringVar(&torrentPath, "file", "", torrentDescription)
	flag.StringVar(&outPath, "o", "", outDescription)
	flag.StringVar(&outPath, "output", "", outDescription)
	flag.Parse()

	if torrentPath == "" {
		fmt.Fprintln(os.Stderr, "please provide a path for the torrent file")
		os.Exit(1)
	}
	if outPath == "" {
		outPath = filepath.Dir(torrentPath)
	}

	ctx := context.Background()
	dl, err := client.Start(ctx, torrentPath, outPath, client.Config{})
	if err != nil {
		logrus.WithError(err).Error("failed to start download")
		os.Exit(1)
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		p := dl.Progress()
		logrus.WithFields(logrus.Fields{
			"pieces": fmt.Sprintf("%d/%d", p.PiecesComplete, p.NumPieces),
			"peers":  p.ConnectedPeers,
		}).Info("download progress")
		if dl.IsDone() {
			break
		}
		if err := dl.Err(); err != nil {
			logrus.WithError(err).Error("download aborted")
			os.Exit(1)
		}
	}

	if err := dl.Stop(); err != nil {
		logrus.WithError(err).Error("error closing download")
		os.Exit(1)
	}
}
