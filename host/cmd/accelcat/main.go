// accelcat reads samples from an accelnoded node and prints them.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"accelnode/adxl345"
	"accelnode/host/config"
	"accelnode/host/node"
)

// samples per read
const batch = 16

var rootCmd = &cobra.Command{
	Use:   "accelcat [socket]",
	Short: "accelcat prints accelerometer samples read from a node",
	Example: `  accelcat
  accelcat -n 100 /run/accelnode/adxl345.sock`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().IntP("count", "n", 0, "stop after this many samples, 0 reads forever")
}

func run(cmd *cobra.Command, args []string) error {
	path := node.SocketPath(config.DefaultNodeDir, adxl345.DriverName)
	if len(args) > 0 {
		path = args[0]
	}
	count, _ := cmd.Flags().GetInt("count")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
	defer stop()

	conn, err := node.Dial(ctx, path, unix.O_RDONLY)
	if err != nil {
		return err
	}
	context.AfterFunc(ctx, func() { conn.Close() })
	defer conn.Close()

	out := cmd.OutOrStdout()
	buf := make([]byte, adxl345.SampleSize*batch)
	for seen := 0; count == 0 || seen < count; {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		for off := 0; off+adxl345.SampleSize <= n; off += adxl345.SampleSize {
			s := adxl345.ParseSample(buf[off:])
			fmt.Fprintf(out, "x -> %6d, y -> %6d, z -> %6d (mg)\n", s.X, s.Y, s.Z)
			seen++
			if count != 0 && seen == count {
				break
			}
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Errorln(err)
		os.Exit(1)
	}
}
