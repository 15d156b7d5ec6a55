package main

import (
	"flag"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Clouded-Sabre/vtcp/config"
	"github.com/Clouded-Sabre/vtcp/lib"
	"github.com/Clouded-Sabre/vtcp/netlayer"
	"github.com/Clouded-Sabre/vtcp/shared"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Configuration file")
	port := flag.Int("port", 8901, "Service port")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var err error
	config.AppConfig, err = config.ReadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration file error")
	}
	host, err := shared.StartHost(config.AppConfig, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot start host")
	}
	defer host.Close()

	local := netip.AddrPortFrom(host.Addr, uint16(*port))
	if err := host.Protect(host.Addr, local.Port(), netlayer.Server); err != nil {
		log.Fatal().Err(err).Msg("cannot install RST filter")
	}
	listener, err := host.Core.Listen(local)
	if err != nil {
		log.Fatal().Err(err).Msg("listen error")
	}
	log.Info().Str("addr", listener.LocalAddr().String()).Msg("echo server listening")

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		listener.Close()
	}()

	mss := host.Core.Config().MSS
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Info().Err(err).Msg("listener closed")
			break
		}
		log.Info().Str("remote", conn.RemoteAddr().String()).Uint32("conn", conn.ID()).Msg("new connection")
		go handleConn(conn, mss)
	}
	host.LogStats(log.Logger)
}

func handleConn(c *lib.Connection, mss int) {
	defer c.Close()
	buf := make([]byte, mss)
	for {
		n, err := c.Read(buf)
		if err != nil {
			if err == io.EOF {
				log.Info().Uint32("conn", c.ID()).Msg("connection closed by client")
				return
			}
			log.Error().Err(err).Uint32("conn", c.ID()).Msg("read error")
			return
		}
		log.Debug().Str("data", string(buf[:n])).Msg("echo server got")
		if _, err := c.Write(buf[:n]); err != nil {
			log.Error().Err(err).Msg("write error")
			return
		}
	}
}
