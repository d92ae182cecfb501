package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/serialscope/internal/channel"
	"github.com/shaunagostinho/serialscope/internal/ingest"
	"github.com/shaunagostinho/serialscope/internal/metrics"
	"github.com/shaunagostinho/serialscope/internal/protocol"
	"github.com/shaunagostinho/serialscope/internal/serialport"
	"github.com/shaunagostinho/serialscope/internal/server"
	"github.com/shaunagostinho/serialscope/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Use a simulated data source instead of a serial port")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	portPath := flag.String("port", "", "Override serial port path (e.g. /dev/ttyUSB0)")
	proto := flag.String("protocol", "", "Override protocol (FireWater, JustFloat, RawData, CSV, Custom)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] serialscope starting")

	cfg := server.LoadConfig(*configPath)

	var overrides []string
	if *demo {
		overrides = append(overrides, `"serial":{"type":"demo"}`)
	}
	if *portPath != "" {
		overrides = append(overrides, `"serial":{"type":"serial","portPath":`+quote(*portPath)+`}`)
	}
	if *proto != "" {
		overrides = append(overrides, `"protocol":{"name":`+quote(*proto)+`}`)
	}
	if *listenAddr != "" {
		overrides = append(overrides, `"server":{"listenAddr":`+quote(*listenAddr)+`}`)
	}
	for _, o := range overrides {
		if err := cfg.UpdateFromJSON([]byte("{" + o + "}")); err != nil {
			log.Fatalf("[main] invalid flag: %v", err)
		}
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	m := metrics.New()
	store := channel.NewStore(channel.WithMetrics(m))

	ingestOpts := cfg.IngestOptions()
	ingestOpts.Metrics = m
	session := ingest.NewSession(protocol.New(cfg.DecoderOptions()), store, ingestOpts)

	srv := server.New(cfg, store, session, m, web.FS)
	src := newSource(cfg, session)
	log.Printf("[main] source %s, protocol %s, policy %s", src.Name(), session.Protocol(), session.Policy())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return session.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		runTransport(gctx, src, srv, session)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[main] exited: %v", err)
	}
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// newSource opens the configured transport. The demo encodes frames in
// whatever layout the session is currently decoding, so protocol changes
// made through the API apply to it as well.
func newSource(cfg *server.Config, session *ingest.Session) serialport.Source {
	sc := cfg.SerialConfig()
	if sc.Type == "serial" {
		return serialport.NewPort(sc)
	}
	return serialport.NewDemo(serialport.DemoConfig{Follow: session.DecoderOptions})
}

// runTransport keeps the source connected and feeding the session. After a
// read failure (device unplugged) the decoder is reset and the connection
// retried with backoff.
func runTransport(ctx context.Context, src serialport.Source, srv *server.Server, session *ingest.Session) {
	feed := func(b []byte) { session.Feed(b) }
	for {
		if !connectWithRetry(ctx, src.Name(), src, 10) {
			return
		}
		srv.SetSource(src)
		err := src.Run(ctx, feed)
		srv.SetSource(nil)
		src.Close()
		if ctx.Err() != nil {
			return
		}
		log.Printf("[main] %s stopped: %v", src.Name(), err)
		session.ResetDecoder()
	}
}

// connectable is satisfied by every serialport.Source.
type connectable interface {
	Connect() error
	Close() error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely. It reports false only when
// ctx is cancelled first.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int) bool {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		if err := c.Connect(); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
					name, attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
					name, attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return false
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return true
		}
	}
}
