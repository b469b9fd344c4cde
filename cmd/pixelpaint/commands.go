package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"collabpixel/internal/config"
	"collabpixel/internal/logging"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	clientCfg config.Client

	rootCmd = &cobra.Command{
		Use:   "pixelpaint",
		Short: "Paint on a shared pixel grid from the command line",
		Long: `pixelpaint joins a collaborative pixel room through a relay. Every
cell it paints shows up for all other participants of the room.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			slog.SetDefault(logging.New(os.Stderr, clientCfg.LogLevel, "text"))
			return clientCfg.Validate()
		},
	}
	createCmd = &cobra.Command{
		Use:   "create",
		Short: "Prints a fresh room ID",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), uuid.NewString())
		},
	}
	paints  []string
	watch   time.Duration
	pngPath string
	joinCmd = &cobra.Command{
		Use:   "join [room-id]",
		Short: "Joins a room, paints the given cells and optionally exports the grid",
		Long: `Joins the room, waits for its history, applies every --paint in order,
keeps the session open for --watch, then writes the grid to --png.
Use --relay=mdns to find a relay on the local network.`,
		Args: cobra.ExactArgs(1),
		RunE: runJoinCommand,
	}
)

func init() {
	// Environment first, flags override.
	if err := config.ParseEnv(&clientCfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&clientCfg.RelayURL, "relay", clientCfg.RelayURL, "relay base URL, or mdns")
	pf.IntVar(&clientCfg.GridSize, "size", clientCfg.GridSize, "grid side length, must match the room")
	pf.StringVar(&clientCfg.Codec, "codec", clientCfg.Codec, "wire codec: json or msgpack")
	pf.DurationVar(&clientCfg.JoinTimeout, "join-timeout", clientCfg.JoinTimeout, "how long to wait for the room history")
	pf.StringVar(&clientCfg.LogLevel, "log-level", clientCfg.LogLevel, "debug, info, warn or error")

	joinCmd.Flags().StringArrayVar(&paints, "paint", nil, "cell to paint as x,y,#RRGGBB (repeatable)")
	joinCmd.Flags().DurationVar(&watch, "watch", 0, "stay in the room this long after painting")
	joinCmd.Flags().StringVar(&pngPath, "png", "", "write the grid to this PNG file before leaving")

	rootCmd.AddCommand(createCmd, joinCmd)
}
