// Command isotpcat opens one ISO-TP connection described by a topology
// file and copies payloads between it and stdio: bytes written to stdin
// become ISO-TP messages, and received messages are written to stdout
// separated by newlines. It exists mainly as a wiring example for the
// library and a manual-testing aid against real hardware.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	isotp "github.com/christiansandberg/isotp-go"
	_ "github.com/christiansandberg/isotp-go/pkg/can/slcan"
	_ "github.com/christiansandberg/isotp-go/pkg/can/socketcan"
	_ "github.com/christiansandberg/isotp-go/pkg/can/socketcanv2"
	_ "github.com/christiansandberg/isotp-go/pkg/can/virtual"
	"gopkg.in/ini.v1"
)

// topology describes one connection's wiring, loaded from an .ini file
// along the lines of:
//
//	[bus]
//	interface = socketcan
//	channel = can0
//
//	[connection]
//	tx_id = 0x7E0
//	rx_id = 0x7E8
//	extended = false
//	block_size = 8
//	st_min_ms = 0
type topology struct {
	busInterface string
	busChannel   string
	txID         uint32
	rxID         uint32
	extended     bool
	blockSize    uint8
	stMinMs      int
}

func loadTopology(path string) (*topology, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("isotpcat: load topology: %w", err)
	}

	bus := f.Section("bus")
	conn := f.Section("connection")

	txID, err := strconv.ParseUint(conn.Key("tx_id").String(), 0, 32)
	if err != nil {
		return nil, fmt.Errorf("isotpcat: tx_id: %w", err)
	}
	rxID, err := strconv.ParseUint(conn.Key("rx_id").String(), 0, 32)
	if err != nil {
		return nil, fmt.Errorf("isotpcat: rx_id: %w", err)
	}
	blockSize, _ := conn.Key("block_size").Int()
	stMin, _ := conn.Key("st_min_ms").Int()

	return &topology{
		busInterface: bus.Key("interface").MustString("socketcan"),
		busChannel:   bus.Key("channel").MustString("can0"),
		txID:         uint32(txID),
		rxID:         uint32(rxID),
		extended:     conn.Key("extended").MustBool(false),
		blockSize:    uint8(blockSize),
		stMinMs:      stMin,
	}, nil
}

func main() {
	topoPath := flag.String("topology", "", "path to an isotpcat topology .ini file")
	flag.Parse()

	if *topoPath == "" {
		fmt.Fprintln(os.Stderr, "usage: isotpcat -topology <file.ini>")
		os.Exit(2)
	}

	topo, err := loadTopology(*topoPath)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}

	bus, err := isotp.NewBus(topo.busInterface, topo.busChannel)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}

	net := isotp.NewNetwork(bus, "isotpcat")
	if err := net.Open(); err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer net.Close()

	profile := isotp.Profile{BlockSize: topo.blockSize, StMinMs: topo.stMinMs}
	reader, writer, err := net.OpenConnection(topo.txID, topo.rxID, topo.extended, profile)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer reader.Close()

	ctx := context.Background()
	go pumpStdin(ctx, writer)

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	for {
		payload, err := reader.Read(ctx, 4095)
		if err != nil {
			slog.Info("connection closed", "error", err)
			return
		}
		out.Write(payload)
		out.WriteByte('\n')
		out.Flush()
	}
}

func pumpStdin(ctx context.Context, w *isotp.Writer) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := w.Write(scanner.Bytes()); err != nil {
			slog.Error("write failed", "error", err)
			return
		}
		if err := w.Drain(ctx); err != nil {
			slog.Error("drain failed", "error", err)
			return
		}
	}
}
