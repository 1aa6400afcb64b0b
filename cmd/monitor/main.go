package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"instrument-gateway/src/logger"
	"instrument-gateway/src/models"
	"instrument-gateway/src/streamclient"
)

// monitor prints a gateway power or health stream to stdout and reconnects
// with backoff whenever the stream drops.
func main() {
	url := flag.String("url", "ws://127.0.0.1:8002/ws/power?interval=1", "stream URL")
	heartbeat := flag.Duration("heartbeat", 30*time.Second, "server heartbeat interval")
	attempts := flag.Int("attempts", 0, "consecutive reconnect attempts before giving up (0 = forever)")
	level := flag.String("log-level", "INFO", "log level")
	flag.Parse()

	appLogger := logger.NewLogger(*level, "monitor")
	defer appLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := streamclient.New(streamclient.Config{
		URL:               *url,
		HeartbeatInterval: *heartbeat,
		MaxAttempts:       *attempts,
		Logger:            appLogger,
	}, printNotification)

	if err := client.Run(ctx); err != nil {
		appLogger.Error("%v", err)
		os.Exit(1)
	}
}

// -----------------------------------------------------------------------------

func printNotification(msg *models.MNotification) {
	switch msg.Type {
	case models.NotifyData:
		channels := make([]int, 0, len(msg.Channels))
		for ch := range msg.Channels {
			channels = append(channels, ch)
		}
		sort.Ints(channels)

		var b strings.Builder
		for _, ch := range channels {
			fmt.Fprintf(&b, " ch%d=%.3f", ch, msg.Channels[ch])
		}
		fmt.Printf("#%d module=%d %.1fnm %s%s\n", msg.Sequence, msg.Module, msg.WavelengthNm, msg.Unit, b.String())
	case models.NotifyHeartbeat, models.NotifyPong:
		fmt.Printf("%s at %v, %d active streams\n", msg.Type, msg.Timestamp, deref(msg.ActiveStreams))
	case models.NotifyError:
		fmt.Printf("error (%d consecutive): %s\n", msg.ErrorCount, msg.Message)
	case models.NotifyReconnect:
		fmt.Printf("reconnect requested: %s (retry after %ds)\n", msg.Reason, msg.RetryAfter)
	}
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
