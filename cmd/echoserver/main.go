// Command echoserver stands up a fiberio.Server that echoes back whatever
// bytes it reads from each connection, mirroring the minimal composition of
// a worker IOManager, an accept IOManager, and a Server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/arlojs/go-fiberio"
)

func main() {
	var (
		listenAddr  string
		workerCount int
		configPath  string
	)

	cmd := &cobra.Command{
		Use:   "echoserver",
		Short: "A minimal fiberio echo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := fiberio.DefaultConfig()
			if configPath != "" {
				f, err := os.Open(configPath)
				if err != nil {
					return fmt.Errorf("open config: %w", err)
				}
				defer f.Close()
				loaded, err := fiberio.LoadConfig(f)
				if err != nil {
					return err
				}
				cfg = loaded
			}

			workers, err := fiberio.NewIOManager(workerCount, false, "echoserver-workers")
			if err != nil {
				return fmt.Errorf("new worker IOManager: %w", err)
			}
			accept, err := fiberio.NewIOManager(1, false, "echoserver-accept")
			if err != nil {
				return fmt.Errorf("new accept IOManager: %w", err)
			}

			srv := fiberio.NewServer(workers, accept, echo)
			srv.ReadTimeout = cfg.TCPServer.Timeout()

			if err := srv.Listen(listenAddr); err != nil {
				return err
			}

			if err := workers.Start(); err != nil {
				return err
			}
			if err := accept.Start(); err != nil {
				return err
			}
			srv.Start()

			fiberio.Logger().Info().Str("addr", listenAddr).Msg("echoserver listening")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			srv.Stop()
			accept.Stop()
			workers.Stop()
			_ = accept.Close()
			_ = workers.Close()
			return nil
		},
	}

	cmd.Flags().StringVarP(&listenAddr, "listen", "l", "0.0.0.0:8020", "address to listen on")
	cmd.Flags().IntVarP(&workerCount, "workers", "w", 4, "number of connection worker threads")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	if err := cmd.Execute(); err != nil {
		fiberio.Logger().Error().Err(err).Msg("echoserver exited with error")
		os.Exit(1)
	}
}

// echo reads from fd and writes back whatever it read, until the peer
// closes the connection or an error occurs.
func echo(ctx context.Context, fd int, remote unix.Sockaddr) {
	io := fiberio.IOFromContext(ctx)
	defer io.Close(fd)

	log := fiberio.LoggerFromContext(ctx).With().Int("fd", fd).Logger()
	log.Info().Msg("client connected")

	buf := make([]byte, 4096)
	for {
		n, err := io.Read(fd, buf)
		if n == 0 || err != nil {
			if err != nil && err != fiberio.ErrClosed {
				log.Info().Err(err).Msg("client closed")
			}
			return
		}
		if _, err := io.Write(fd, buf[:n]); err != nil {
			log.Error().Err(err).Msg("write failed")
			return
		}
	}
}
