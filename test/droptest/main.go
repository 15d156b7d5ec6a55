package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/netip"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Clouded-Sabre/vtcp/config"
	"github.com/Clouded-Sabre/vtcp/lib"
	"github.com/Clouded-Sabre/vtcp/netlayer"
)

var (
	configPath  string
	dropRate    float64
	seed        int64
	size        int
	capturePath string
)

func init() {
	flag.StringVar(&configPath, "config", "", "Configuration file, empty for defaults")
	flag.Float64Var(&dropRate, "droprate", 0.1, "Packet drop rate (0.0-1.0)")
	flag.Int64Var(&seed, "seed", time.Now().UnixNano(), "Loss pattern seed")
	flag.IntVar(&size, "size", 1<<20, "Bytes to transfer")
	flag.StringVar(&capturePath, "capture", "", "Write the client's traffic to this pcap file")
	flag.Parse()
}

var (
	clientIP = netip.MustParseAddr("10.0.0.1")
	serverIP = netip.MustParseAddr("10.0.0.2")
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	coreConfig := lib.DefaultCoreConfig()
	if configPath != "" {
		var err error
		if coreConfig, err = config.LoadConfig(configPath); err != nil {
			log.Fatal().Err(err).Msg("configuration file error")
		}
	}
	logger := log.Logger.Level(zerolog.InfoLevel)
	if coreConfig.Debug {
		logger = logger.Level(zerolog.DebugLevel)
	}
	coreConfig.Logger = &logger

	cfgJSON, _ := json.MarshalIndent(coreConfig, "", "  ")
	fmt.Println("Core Configuration:")
	fmt.Println(string(cfgJSON))

	hub := netlayer.NewHub(netlayer.HubConfig{DropRate: dropRate, Seed: seed, Logger: &logger})
	client, closeClient := startCore(hub, clientIP, coreConfig)
	defer closeClient()
	server, closeServer := startCore(hub, serverIP, coreConfig)
	defer closeServer()

	listener, err := server.Listen(netip.AddrPortFrom(serverIP, 8901))
	if err != nil {
		log.Fatal().Err(err).Msg("listen")
	}

	received := make(chan []byte, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			log.Error().Err(err).Msg("accept")
			received <- nil
			return
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, conn); err != nil {
			log.Error().Err(err).Msg("server read")
		}
		conn.Close()
		received <- buf.Bytes()
	}()

	payload := make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(payload)

	start := time.Now()
	conn, err := client.Dial(netip.AddrPortFrom(serverIP, 8901))
	if err != nil {
		log.Fatal().Err(err).Msg("dial")
	}
	log.Info().Float64("drop_rate", dropRate).Int64("seed", seed).Int("bytes", size).Msg("transfer started")
	if _, err := conn.Write(payload); err != nil {
		log.Fatal().Err(err).Msg("write")
	}
	if err := conn.Close(); err != nil {
		log.Error().Err(err).Msg("close")
	}
	got := <-received
	elapsed := time.Since(start)

	want := sha256.Sum256(payload)
	have := sha256.Sum256(got)
	ok := len(got) == len(payload) && want == have

	cs, ss := client.Stats(), server.Stats()
	fmt.Printf("\n=== Drop Test ===\n")
	fmt.Printf("Transferred: %d/%d bytes in %s (%.1f KiB/s)\n", len(got), len(payload), elapsed.Round(time.Millisecond), float64(len(got))/1024/elapsed.Seconds())
	fmt.Printf("Hub dropped: %d packets\n", hub.Dropped())
	fmt.Printf("Client: out=%d in=%d retransmits=%d\n", cs.SegmentsOut, cs.SegmentsIn, cs.Retransmits)
	fmt.Printf("Server: out=%d in=%d retransmits=%d\n", ss.SegmentsOut, ss.SegmentsIn, ss.Retransmits)
	fmt.Printf("Integrity: %t\n", ok)
	if !ok {
		os.Exit(1)
	}
}

func startCore(hub *netlayer.Hub, addr netip.Addr, cfg *lib.CoreConfig) (*lib.Core, func()) {
	ep, err := hub.Attach(addr)
	if err != nil {
		log.Fatal().Err(err).Msg("attach")
	}
	var network lib.NetworkLayer = ep
	var handler func(lib.Handler) lib.Handler
	var file *os.File
	if capturePath != "" && addr == clientIP {
		if file, err = os.Create(capturePath); err != nil {
			log.Fatal().Err(err).Msg("capture file")
		}
		capture, err := netlayer.NewCapture(ep, file, *cfg.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("capture")
		}
		network = capture
		handler = capture.Handler
	}
	core, err := lib.NewCore(cfg, network)
	if err != nil {
		log.Fatal().Err(err).Msg("core")
	}
	var receive lib.Handler = core.Receive
	if handler != nil {
		receive = handler(receive)
	}
	ep.Start(receive)
	return core, func() {
		core.Close()
		ep.Close()
		if file != nil {
			file.Close()
		}
	}
}
