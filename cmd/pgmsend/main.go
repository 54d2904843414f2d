// pgmsend reads a stream from stdin (or a file) and publishes it over PGM
// as a sequence of reliably-delivered APDUs, one per line (-lines) or one
// per fixed-size chunk.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
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
	iface := fs.String("iface", "", "egress interface name")
	configPath := fs.String("config", "", "pgmconfig YAML path (defaults applied if empty)")
	inputPath := fs.String("file", "", "input file (defaults to stdin)")
	chunkSize := fs.Int("chunk", 4096, "bytes per APDU when reading a raw stream")
	lineMode := fs.Bool("lines", false, "publish one APDU per newline-delimited line instead of fixed chunks")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if err := run(*group, *port, *iface, *configPath, *inputPath, *chunkSize, *lineMode); err != nil {
		fmt.Fprintf(os.Stderr, "pgmsend: %v\n", err)
		os.Exit(1)
	}
}

func run(group string, port int, ifaceName, configPath, inputPath string, chunkSize int, lineMode bool) error {
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

	in := os.Stdin
	if inputPath != "" {
		f, err := os.Open(inputPath)
		if err != nil {
			return fmt.Errorf("open %s: %w", inputPath, err)
		}
		defer f.Close()
		in = f
	}

	var total int64
	if fi, err := in.Stat(); err == nil && fi.Size() > 0 {
		total = fi.Size()
	}
	var bar *progressbar.ProgressBar
	if total > 0 {
		bar = progressbar.DefaultBytes(total, "publish")
	} else {
		bar = progressbar.DefaultBytes(-1, "publish")
	}
	defer bar.Close()

	if lineMode {
		return sendLines(sock, in, bar)
	}
	return sendChunks(sock, in, chunkSize, bar)
}

func sendLines(sock *pgm.Socket, in io.Reader, bar *progressbar.ProgressBar) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if _, err := sendRetrying(sock, line); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		bar.Add(len(line) + 1)
	}
	return scanner.Err()
}

func sendChunks(sock *pgm.Socket, in io.Reader, chunkSize int, bar *progressbar.ProgressBar) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if _, sendErr := sendRetrying(sock, buf[:n]); sendErr != nil {
				return fmt.Errorf("send: %w", sendErr)
			}
			bar.Add(n)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
	}
}

// sendRetrying waits out transient backpressure rather than failing the
// whole transfer on it: PGMCC congestion clears on the next ACK that
// acknowledges new data (AckReady), rate limiting clears on its own schedule.
func sendRetrying(sock *pgm.Socket, payload []byte) (int, error) {
	for {
		n, err := sock.Send(payload)
		if err == nil {
			return n, nil
		}
		var pe *pgm.Error
		if !errors.As(err, &pe) {
			return 0, err
		}
		switch pe.Kind {
		case pgm.ErrorCongestion:
			<-sock.AckReady()
		case pgm.ErrorRateLimited:
			time.Sleep(5 * time.Millisecond)
		default:
			return 0, err
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
