package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"collabpixel/internal/discovery"
	"collabpixel/internal/render"
	"collabpixel/internal/room"
	"collabpixel/internal/transport"
	"collabpixel/internal/wire"

	"github.com/spf13/cobra"
)

type paintArg struct {
	x, y  int
	color string
}

func parsePaint(s string) (paintArg, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return paintArg{}, fmt.Errorf("paint %q: want x,y,#RRGGBB", s)
	}
	x, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return paintArg{}, fmt.Errorf("paint %q: bad x: %w", s, err)
	}
	y, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return paintArg{}, fmt.Errorf("paint %q: bad y: %w", s, err)
	}
	return paintArg{x: x, y: y, color: strings.TrimSpace(parts[2])}, nil
}

func runJoinCommand(cmd *cobra.Command, args []string) error {
	roomID := strings.TrimSpace(args[0])
	log := slog.Default()

	var todo []paintArg
	for _, p := range paints {
		arg, err := parsePaint(p)
		if err != nil {
			return err
		}
		todo = append(todo, arg)
	}

	codec, err := wire.CodecByName(clientCfg.Codec)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relayURL := clientCfg.RelayURL
	if relayURL == "mdns" {
		lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		relayURL, err = discovery.Lookup(lookupCtx, log)
		cancel()
		if err != nil {
			return err
		}
	}

	sink := render.NewImage(clientCfg.GridSize)
	m := room.New(room.Config{
		GridSize:    clientCfg.GridSize,
		JoinTimeout: clientCfg.JoinTimeout,
		Logger:      log,
		OnStatus: func(st transport.Status) {
			if st == transport.StatusReconnecting {
				fmt.Fprintln(cmd.ErrOrStderr(), "reconnecting…")
			}
		},
	}, room.SessionTransport(transport.Config{
		URL:      relayURL,
		GridSize: clientCfg.GridSize,
		Codec:    codec,
		Logger:   log,
	}), sink)

	if err := m.Join(ctx, roomID); err != nil {
		return fmt.Errorf("join %s: %w", roomID, err)
	}
	defer m.Leave()

	for _, p := range todo {
		if err := m.Paint(p.x, p.y, p.color); err != nil {
			return err
		}
	}

	if watch > 0 {
		select {
		case <-time.After(watch):
		case <-ctx.Done():
		}
	}

	snap, err := m.Snapshot()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "room %s: %d painted cells, status %s\n", roomID, snap.Painted(), m.Status())

	if pngPath == "" {
		return nil
	}
	f, err := os.Create(pngPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return sink.WritePNG(f)
}
