package main

import (
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyradmin/internal/telemetry"
	"github.com/ryandielhenn/zephyradmin/pkg/directory"
	"github.com/ryandielhenn/zephyradmin/pkg/fanout"
	"github.com/ryandielhenn/zephyradmin/pkg/mailbox"
	"github.com/ryandielhenn/zephyradmin/pkg/metadata"
	"github.com/ryandielhenn/zephyradmin/pkg/route"
	"github.com/ryandielhenn/zephyradmin/pkg/wire"
)

// newAdminApp lays out the admin resource tree:
//
//	/ajax                  combined {semilattice, directory}
//	/ajax/semilattice/...  versioned cluster metadata
//	/ajax/directory/...    known peers
//	/ajax/log/...          fan-out log reader
//	/ajax/progress/...     fan-out backfill progress
func newAdminApp(meta *metadata.App, dir *directory.Directory, tr mailbox.Transport, peerTimeout time.Duration, logger *zap.Logger) wire.App {
	directoryApp := directory.NewApp(dir)
	combined := route.NewCombining(map[string]route.JSONApp{
		"semilattice": meta,
		"directory":   directoryApp,
	}, logger)
	ajax := route.NewRouting(telemetry.Instrument("ajax", combined), map[string]wire.App{
		"semilattice": telemetry.Instrument("semilattice", meta),
		"directory":   telemetry.Instrument("directory", directoryApp),
		"log":         telemetry.Instrument("log", fanout.NewLogsApp(dir, tr, peerTimeout)),
		"progress":    telemetry.Instrument("progress", fanout.NewProgressApp(dir, tr, peerTimeout)),
	})
	return route.NewRouting(nil, map[string]wire.App{"ajax": ajax})
}
