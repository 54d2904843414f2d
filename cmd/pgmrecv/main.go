// pgmrecv joins a PGM multicast group and writes delivered APDUs to stdout
// (or a file), one per line, until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/steve-o/openpgm-sub002"
	"github.com/steve-o/openpgm-sub002/internal/pgmnet"
	"github.com/steve-o/openpgm-sub002/pgmconfig"

	"github.com/schollz/progressbar/v3"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	group := fs.String("group", "239.192.0.1", "multicast group address")
	port := fs.Int("port", 7500, "UDP encapsulation port")
	iface := fs.String("iface", "", "ingress interface name")
	configPath := fs.String("config", "", "pgmconfig YAML path (defaults applied if empty)")
	outputPath := fs.String("out", "", "output file (defaults to stdout)")
	quiet := fs.Bool("quiet", false, "suppress the progress meter")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if err := run(*group, *port, *iface, *configPath, *outputPath, *quiet); err != nil {
		fmt.Fprintf(os.Stderr, "pgmrecv: %v\n", err)
		os.Exit(1)
	}
}

func run(group string, port int, ifaceName, configPath, outputPath string, quiet bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	var iface *net.Interface
	if ifaceName != "" {
		iface, err = net.InterfaceByName(ifaceName)
		if err != nil {
			return fmt.Errorf("resolve interface %q: %w", ifaceName, err)
		}
	}

	groupIP := net.ParseIP(group)
	if groupIP == nil {
		return fmt.Errorf("invalid group address %q", group)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	sock, err := pgm.Open(pgm.Params{
		Mode:      pgmnet.ModeUDPv4,
		Interface: iface,
		Group:     groupIP,
		GroupPort: port,
		Config:    *cfg,
		Log:       log,
	})
	if err != nil {
		return fmt.Errorf("open socket: %w", err)
	}
	defer sock.Close()

	out := os.Stdout
	if outputPath != "" {
		f, err := os.Create(outputPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", outputPath, err)
		}
		defer f.Close()
		out = f
	}

	var bar *progressbar.ProgressBar
	if !quiet {
		bar = progressbar.DefaultBytes(-1, "receive")
		defer bar.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		msg, err := recvBlocking(ctx, sock)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			var pe *pgm.Error
			if errors.As(err, &pe) && pe.Kind == pgm.ErrorEOF {
				return nil
			}
			return fmt.Errorf("recv: %w", err)
		}
		if _, err := out.Write(msg); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		if _, err := out.Write([]byte{'\n'}); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		if bar != nil {
			bar.Add(len(msg))
		}
	}
}

// recvBlocking waits for the next delivered APDU, sleeping on the socket's
// recv-ready channel between non-blocking Recv polls (Recv itself never
// blocks).
func recvBlocking(ctx context.Context, sock *pgm.Socket) ([]byte, error) {
	for {
		msg, err := sock.Recv()
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, pgm.ErrWouldBlock) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-sock.RecvReady():
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func loadConfig(path string) (*pgmconfig.Config, error) {
	if path == "" {
		return pgmconfig.Default(), nil
	}
	cfg, err := pgmconfig.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}
