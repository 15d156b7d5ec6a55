package main

import (
	"flag"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Clouded-Sabre/vtcp/config"
	"github.com/Clouded-Sabre/vtcp/lib"
	"github.com/Clouded-Sabre/vtcp/netlayer"
	"github.com/Clouded-Sabre/vtcp/shared"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Configuration file")
	server := flag.String("server", "10.0.0.2:8901", "Server virtual address and port")
	packetInterval := flag.Duration("interval", 500*time.Millisecond, "Interval between packets (e.g., 500ms, 1s)")
	count := flag.Int("count", 0, "Messages to send, 0 for no limit")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	serverAddr, err := netip.ParseAddrPort(*server)
	if err != nil {
		log.Fatal().Err(err).Msg("bad server address")
	}
	config.AppConfig, err = config.ReadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration file error")
	}
	host, err := shared.StartHost(config.AppConfig, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot start host")
	}
	defer host.Close()

	if err := host.Protect(serverAddr.Addr(), serverAddr.Port(), netlayer.Client); err != nil {
		log.Fatal().Err(err).Msg("cannot install RST filter")
	}
	conn, err := host.Core.Dial(serverAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("error connecting")
	}
	log.Info().Str("local", conn.LocalAddr().String()).Str("server", serverAddr.String()).Msg("echo client connected")

	reconnectCfg := lib.DefaultClientReconnectConfig()
	reconnectCfg.OnReconnect = func() {
		log.Info().Msg("reconnected to echo server")
	}
	reconnectCfg.OnFinalFailure = func(err error) {
		log.Error().Err(err).Msg("failed to reconnect after all retries")
	}
	reconnector := lib.NewClientReconnectHelper(host.Core, serverAddr, reconnectCfg)
	reconnector.SetConnection(conn)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*packetInterval)
	defer ticker.Stop()

	buffer := make([]byte, host.Core.Config().MSS)
	successCount, failureCount, packetCount := 0, 0, 0

loop:
	for *count == 0 || packetCount < *count {
		select {
		case <-sigChan:
			break loop
		case <-ticker.C:
		}

		packetCount++
		message := fmt.Sprintf("Echo message %d", packetCount)
		conn := reconnector.GetConnection()
		if _, err := conn.Write([]byte(message)); err != nil {
			log.Error().Err(err).Int("packet", packetCount).Msg("write error")
			failureCount++
			if reconnector.HandleError(err) {
				continue
			}
			break loop
		}

		// echoes may arrive split across segments
		got := make([]byte, 0, len(message))
		for len(got) < len(message) {
			n, err := conn.Read(buffer[:len(message)-len(got)])
			if err != nil {
				failureCount++
				if err == io.EOF {
					log.Info().Msg("server closed the connection")
					break loop
				}
				log.Error().Err(err).Msg("read error")
				if reconnector.HandleError(err) {
					continue loop
				}
				break loop
			}
			got = append(got, buffer[:n]...)
		}

		if string(got) == message {
			log.Info().Int("packet", packetCount).Str("echo", string(got)).Msg("echo match")
			successCount++
		} else {
			log.Warn().Int("packet", packetCount).Str("want", message).Str("got", string(got)).Msg("echo mismatch")
			failureCount++
		}
	}

	if err := reconnector.GetConnection().Close(); err != nil {
		log.Error().Err(err).Msg("close")
	}

	fmt.Printf("\n=== Echo Client Statistics ===\n")
	fmt.Printf("Total packets sent: %d\n", packetCount)
	fmt.Printf("Successful echoes: %d\n", successCount)
	fmt.Printf("Failed echoes: %d\n", failureCount)
	if packetCount > 0 {
		fmt.Printf("Success rate: %.1f%%\n", float64(successCount)/float64(packetCount)*100)
	}
	host.LogStats(log.Logger)
}
