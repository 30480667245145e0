package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/Zereker/netconn"
	"github.com/Zereker/netconn/codec"
	"github.com/Zereker/netconn/metrics"
)

var (
	listenAddr  = flag.StringP("listen", "l", "127.0.0.1:12345", "address to serve the echo server on")
	dialAddr    = flag.StringP("dial", "d", "", "run as client: send stdin lines to this address")
	framing     = flag.StringP("codec", "c", "length", "framing: length, crlf, varint or raw")
	compress    = flag.Bool("compress", false, "s2-compress each frame")
	maxSize     = flag.Int("max-size", 64*1024, "maximum message size in bytes")
	readTimeout = flag.Duration("read-timeout", 0, "per-read timeout, 0 disables")
	metricsAddr = flag.String("metrics", "", "serve Prometheus metrics on this address")
	verbose     = flag.BoolP("verbose", "v", false, "enable debug logging")
)

func main() {
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()
	logger := netconn.NewZerologLogger(zl)

	c, err := newCodec(*framing, *maxSize, *compress)
	if err != nil {
		zl.Fatal().Err(err).Msg("invalid codec")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := []netconn.Option{
		netconn.CodecOption(c),
		netconn.LoggerOption(logger),
		netconn.ReadTimeoutOption(*readTimeout),
	}

	if *dialAddr != "" {
		if err := runClient(ctx, *dialAddr, opts); err != nil {
			zl.Fatal().Err(err).Msg("client failed")
		}
		return
	}

	publisher, err := metrics.NewPublisher(prometheus.DefaultRegisterer, "echo")
	if err != nil {
		zl.Fatal().Err(err).Msg("metrics")
	}
	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zl.Error().Err(err).Msg("metrics server")
			}
		}()
	}

	if err := runServer(ctx, *listenAddr, logger, publisher, opts); err != nil && !errors.Is(err, context.Canceled) {
		zl.Fatal().Err(err).Msg("server failed")
	}
}

func newCodec(name string, maxSize int, compressed bool) (codec.Codec, error) {
	var (
		c   codec.Codec
		err error
	)
	switch name {
	case "length":
		c, err = codec.NewLengthHeader(4, maxSize)
	case "crlf":
		c = codec.NewCRLF(maxSize)
	case "varint":
		c = codec.NewVarint(maxSize)
	case "raw":
		c = codec.NewRaw(maxSize)
	default:
		return nil, errors.Errorf("unknown codec %q", name)
	}
	if err != nil {
		return nil, err
	}
	if compressed {
		c = codec.NewCompressed(c, maxSize)
	}
	return c, nil
}

func runServer(ctx context.Context, addr string, logger netconn.Logger, publisher netconn.EventPublisher, opts []netconn.Option) error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return err
	}

	connOpts := append(opts,
		netconn.FactoryNameOption("echo"),
		netconn.EventPublisherOption(publisher),
	)
	server, err := netconn.NewServer(tcpAddr,
		netconn.ServerLoggerOption(logger),
		netconn.ServerShutdownTimeoutOption(5*time.Second),
		netconn.ServerConnOptions(connOpts...),
	)
	if err != nil {
		return err
	}
	defer server.Close()

	// Echo
	handler := netconn.HandlerFunc(func(conn *netconn.Conn) {
		conn.RegisterListener(netconn.ListenerFunc(func(m netconn.Message) error {
			return conn.Send(m)
		}))
	})
	return server.Serve(ctx, handler)
}

// printer writes every echoed message to stdout and reports the terminal error.
type printer struct {
	failed chan error
}

func (p *printer) OnMessage(m netconn.Message) error {
	b, _ := m.Bytes()
	fmt.Printf("%s\n", b)
	return nil
}

func (p *printer) OnFailure(_ string, err error) {
	p.failed <- err
}

func runClient(ctx context.Context, addr string, opts []netconn.Option) error {
	p := &printer{failed: make(chan error, 1)}
	conn, err := netconn.Dial(ctx, addr, append(opts,
		netconn.FactoryNameOption("echo-client"),
		netconn.ListenerOption(p),
	)...)
	if err != nil {
		return err
	}
	defer conn.Close()

	done := conn.Start(ctx)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := conn.Send(netconn.NewMessage(scanner.Text(), nil)); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	// give the last echo a moment before hanging up
	select {
	case err := <-p.failed:
		return err
	case err := <-done:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-time.After(time.Second):
		return nil
	}
}
