// Command simpletunnel is the SimpleTunnel client binary. It dials a
// tunnel server (by literal host:port or mDNS instance name, resolved via
// the discovery package) and forwards connections accepted on a local
// listener through a TCP flow, one flow per accepted connection.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"simpletunnel/client"
	"simpletunnel/discovery"
	"simpletunnel/log"
	"simpletunnel/transport"
)

func main() {
	server := flag.String("server", "", "tunnel server: literal host:port, or an mDNS instance name")
	quic := flag.Bool("quic", false, "also race a QUIC dial target against the server address")
	localAddr := flag.String("listen", "127.0.0.1:1080", "local address to accept forwarded connections on")
	remoteHost := flag.String("remote-host", "", "remote host the server should open a TCP flow to")
	remotePort := flag.Int("remote-port", 0, "remote port the server should open a TCP flow to")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger, err := log.New(log.Config{Level: *logLevel})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *server == "" || *remoteHost == "" || *remotePort == 0 {
		fmt.Println("usage: simpletunnel -server host:port -remote-host h -remote-port p [-listen 127.0.0.1:1080]")
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		cancel()
	}()

	addr, err := discovery.Resolve(ctx, *server)
	if err != nil {
		logger.Fatal("failed to resolve server", zap.Error(err))
	}

	targets := []transport.Target{{Family: transport.FamilyTCP, Address: addr}}
	if *quic {
		targets = append(targets, transport.Target{Family: transport.FamilyQUIC, Address: addr})
	}

	c, err := client.Dial(ctx, targets, logger)
	if err != nil {
		logger.Fatal("failed to dial tunnel server", zap.Error(err))
	}
	defer c.Close()

	ln, err := net.Listen("tcp", *localAddr)
	if err != nil {
		logger.Fatal("failed to listen locally", zap.Error(err))
	}
	defer ln.Close()
	logger.Info("forwarding local connections through tunnel",
		zap.String("listen", *localAddr),
		zap.String("remote", fmt.Sprintf("%s:%d", *remoteHost, *remotePort)))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			logger.Error("accept failed", zap.Error(err))
			continue
		}
		go forward(ctx, c, conn, *remoteHost, *remotePort, logger)
	}
}

func forward(ctx context.Context, c *client.Client, local net.Conn, host string, port int, logger *zap.Logger) {
	defer local.Close()

	flow, err := c.OpenTCP(ctx, host, port)
	if err != nil {
		logger.Warn("failed to open tunnel flow", zap.Error(err))
		return
	}
	defer flow.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(flow, local)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(local, flow)
		done <- struct{}{}
	}()
	<-done
}
