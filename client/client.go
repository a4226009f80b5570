// Package client is the process-level control surface (§6): it loads a
// metainfo file, announces to its trackers, and drives the download to
// completion. It is grounded in teacher's top-level client.go (clientID
// generation, OpenTorrent + Download orchestration) generalized from
// single-file-only, one-shot downloading to the full multi-file driver
// loop described across §4.5-§4.10.
package client

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/sirupsen/logrus"
	"github.com/willf/bitset"

	"github.com/nsavage/goleech/driver"
	"github.com/nsavage/goleech/metainfo"
	"github.com/nsavage/goleech/peer"
	"github.com/nsavage/goleech/piece"
	"github.com/nsavage/goleech/rarest"
	"github.com/nsavage/goleech/tracker"
)

// Config carries the knobs a caller may want to override; Start fills
// in defaults for anything left zero.
type Config struct {
	// ListenPort is reported to trackers as the port we'd accept incoming
	// connections on. This client never listens (leecher-only); it is
	// still required by the tracker protocol (§4.4).
	ListenPort uint16
	// AnnounceInterval overrides how often Download re-announces to
	// trackers for fresh peers; zero means every 30 minutes. The interval a
	// tracker reports in its response is not used.
	AnnounceInterval time.Duration
}

// Progress reports the download's current status (§6's progress()).
type Progress struct {
	PiecesComplete int
	NumPieces      int
	BytesReceived  int64
	ConnectedPeers int
}

// Download is one in-flight torrent download (§6's start/progress/stop
// process interface).
type Download struct {
	mi        *metainfo.Metainfo
	assembler *piece.Assembler
	pool      *peer.Pool
	rarestIx  *rarest.Index
	drv       *driver.Driver
	trackerC  *tracker.Client
	log       *logrus.Entry

	stop     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	fatalErr error
}

// fail records a fatal, non-peer-scoped error (§7: FileIOError is "fatal
// for the torrent") and stops the download so a caller polling Err()/
// IsDone() observes it instead of spinning forever. Only the first fatal
// error is kept.
func (d *Download) fail(err error) {
	d.mu.Lock()
	if d.fatalErr == nil {
		d.fatalErr = err
	}
	d.mu.Unlock()
	d.log.WithError(err).Error("stopping torrent after fatal error")
	d.Stop()
}

// Err returns the fatal error that stopped this download, if any (§6's
// exit contract: "non-zero on unrecoverable I/O error"). A nil result
// does not imply completion; check IsDone() for that.
func (d *Download) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fatalErr
}

// GeneratePeerID returns a per-process random 20-byte peer identifier
// using the `-XX<version>-`-followed-by-12-random-bytes convention (§4.2),
// generalizing teacher's clientID() (which hard-codes "GT0104") to a
// configurable client tag.
func GeneratePeerID(tag string) ([20]byte, error) {
	var id [20]byte
	if len(tag) != 8 {
		return id, fmt.Errorf("client: peer id tag must be exactly 8 bytes, got %q", tag)
	}
	copy(id[:], tag)
	if _, err := rand.Read(id[8:]); err != nil {
		return id, fmt.Errorf("generating peer id: %w", err)
	}
	return id, nil
}

// Start loads metainfoPath, announces to its trackers, and begins
// downloading into outDir (§6's start(metainfo_path)). outDir is the
// directory a single-file torrent's file is written into, or the parent
// of the multi-file torrent's named subdirectory.
func Start(ctx context.Context, metainfoPath, outDir string, cfg Config) (*Download, error) {
	raw, err := os.ReadFile(metainfoPath)
	if err != nil {
		return nil, fmt.Errorf("reading metainfo file: %w", err)
	}
	mi, err := metainfo.Load(raw)
	if err != nil {
		return nil, err
	}

	if cfg.ListenPort == 0 {
		cfg.ListenPort = 6881
	}

	peerID, err := GeneratePeerID("-GL0100-")
	if err != nil {
		return nil, err
	}

	// mi.Files paths of a multi-file torrent already begin with mi.Name.
	clk := clock.New()
	assembler, err := piece.New(mi, outDir, clk)
	if err != nil {
		return nil, err
	}

	trackerC := tracker.New(peerID, cfg.ListenPort)
	peers, err := trackerC.Announce(ctx, mi.Announce, tracker.AnnounceParams{
		InfoHash: mi.InfoHash,
		Left:     mi.TotalLength,
		Event:    "started",
	})
	if err != nil {
		assembler.Close()
		return nil, err
	}

	rarestIx := rarest.New(clk)
	pool := peer.NewPool(mi.InfoHash, peerID, mi.NumPieces(), clk)

	d := &Download{
		mi:        mi,
		assembler: assembler,
		pool:      pool,
		rarestIx:  rarestIx,
		trackerC:  trackerC,
		log:       logrus.WithField("torrent", mi.Name),
		stop:      make(chan struct{}),
	}

	pool.OnBlock = func(_ *peer.Session, ev peer.BlockEvent) {
		if err := assembler.OnBlock(ev.PieceIndex, ev.Offset, ev.Data); err != nil {
			if errors.Is(err, piece.ErrStorage) {
				d.fail(err)
				return
			}
			// Peer-protocol issue (unaligned offset, length mismatch):
			// non-fatal per §7, the offending delivery is just dropped.
			logrus.WithError(err).Debug("dropping block delivery")
		}
	}
	pool.OnHave = func(_ *peer.Session, idx int) { rarestIx.AddHave(idx) }
	pool.OnBitfield = func(_ *peer.Session, bf *bitset.BitSet) { rarestIx.AddBitfield(bf) }
	pool.OnClosed = func(s *peer.Session) { rarestIx.RemoveBitfield(s.BitfieldSnapshot()) }
	assembler.OnPieceComplete = func(idx int) { rarestIx.Complete(idx) }

	for addr := range peers {
		tcpAddr := net.TCPAddr{IP: net.IP(addr.IP[:]), Port: int(addr.Port)}
		pool.Add(tcpAddr)
	}

	if cfg.AnnounceInterval == 0 {
		cfg.AnnounceInterval = 30 * time.Minute
	}

	drv := driver.New(pool, assembler, rarestIx, clk)
	d.drv = drv
	go drv.Run(d.stop)
	go d.reannounceLoop(cfg.AnnounceInterval)
	return d, nil
}

// reannounceLoop periodically re-queries trackers for additional peers,
// feeding any new addresses into the pool (§4.4 describes one scan; a
// long-running download repeats it so it can replace peers that leave).
func (d *Download) reannounceLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			peers, err := d.trackerC.Announce(ctx, d.mi.Announce, tracker.AnnounceParams{
				InfoHash: d.mi.InfoHash,
				Left:     d.mi.TotalLength - int64(d.assembler.CompletedCount())*d.mi.PieceLength,
			})
			cancel()
			if err != nil {
				d.log.WithError(err).Debug("re-announce failed")
				continue
			}
			for addr := range peers {
				tcpAddr := net.TCPAddr{IP: net.IP(addr.IP[:]), Port: int(addr.Port)}
				d.pool.Add(tcpAddr)
			}
		}
	}
}

// Progress reports the current download status (§6's progress()).
func (d *Download) Progress() Progress {
	return Progress{
		PiecesComplete: d.assembler.CompletedCount(),
		NumPieces:      d.assembler.NumPieces(),
		BytesReceived:  d.assembler.BytesReceived(),
		ConnectedPeers: len(d.pool.Active()),
	}
}

// IsDone reports whether every piece has been downloaded and verified.
func (d *Download) IsDone() bool {
	return d.assembler.IsDone()
}

// Stop closes every socket and output file handle; safe to call at any
// time, including repeatedly or concurrently (§6's stop()).
func (d *Download) Stop() error {
	d.stopOnce.Do(func() { close(d.stop) })
	d.pool.Close()
	return d.assembler.Close()
}
