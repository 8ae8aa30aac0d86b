// Command probe reads the configured points once (or repeatedly) with a
// plain synchronous Modbus TCP client, independent of the collector's link.
// It is meant for commissioning a PLC before the collector runs.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	mb "github.com/goburrow/modbus"
	flag "github.com/spf13/pflag"

	cfgpkg "github.com/qchenwhy/sewage-monitoring-system-sub002/internal/config"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/model"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/registry"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/scaling"
)

func main() {
	var (
		configPath string
		address    string
		watch      time.Duration
		write      string
	)
	flag.StringVarP(&configPath, "config", "c", "config/collector.yaml", "path to YAML config")
	flag.StringVar(&address, "address", "", "override link host:port")
	flag.DurationVar(&watch, "watch", 0, "repeat the read at this interval (0 = once)")
	flag.StringVar(&write, "write", "", "write holding registers before reading, e.g. 40=1234 or 40=1,2,3")
	flag.Parse()

	cfg, err := cfgpkg.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if address == "" {
		address = cfg.Link.Address()
	}

	th := mb.NewTCPClientHandler(address)
	th.Timeout = cfg.Link.RequestTimeout
	th.SlaveId = cfg.Link.UnitID
	if err := th.Connect(); err != nil {
		log.Fatalf("connect %s: %v", address, err)
	}
	defer th.Close()
	client := mb.NewClient(th)

	if write != "" {
		if err := writeRegisters(client, write); err != nil {
			log.Fatalf("write: %v", err)
		}
	}

	defs := cfg.Definitions()
	readAll(client, defs)
	if watch <= 0 {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ticker := time.NewTicker(watch)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			readAll(client, defs)
		}
	}
}

func readAll(client mb.Client, defs []model.DataPointDefinition) {
	raws := make(map[string]uint32, len(defs))
	for _, d := range defs {
		if d.Format == model.FormatPoint {
			continue
		}
		regs, err := readRegisters(client, d)
		if err != nil {
			log.Printf("read %s (fc%d@%d): %v", d.ID, d.FunctionCode, d.Address, err)
			continue
		}
		value, raw, err := registry.Decode(d.Format, d.Bit(), regs)
		if err != nil {
			log.Printf("decode %s: %v", d.ID, err)
			continue
		}
		raws[d.ID] = raw
		if !d.Format.BitLike() {
			value *= d.ScaleFactor()
		}
		fmt.Printf("%s (fc%d@%d) = %s\n", d.ID, d.FunctionCode, d.Address, registry.FormatValue(d.Format, value, d.Unit))
	}
	for _, d := range defs {
		if d.Format != model.FormatPoint {
			continue
		}
		src, ok := raws[d.Source]
		if !ok {
			continue
		}
		fmt.Printf("%s (%s bit %d) = %d\n", d.ID, d.Source, d.Bit(), scaling.Derive(src, d.Bit()))
	}
}

func readRegisters(client mb.Client, d model.DataPointDefinition) ([]uint16, error) {
	quantity := d.Format.Quantity()
	var data []byte
	var err error
	if d.FunctionCode == 4 {
		data, err = client.ReadInputRegisters(d.Address, quantity)
	} else {
		data, err = client.ReadHoldingRegisters(d.Address, quantity)
	}
	if err != nil {
		return nil, err
	}
	if len(data) < int(quantity)*2 {
		return nil, fmt.Errorf("short response: %d bytes", len(data))
	}
	regs := make([]uint16, quantity)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return regs, nil
}

// writeRegisters parses "address=v1,v2,..." and issues FC6 or FC16.
func writeRegisters(client mb.Client, arg string) error {
	addrStr, valuesStr, ok := strings.Cut(arg, "=")
	if !ok {
		return fmt.Errorf("expected address=value, got %q", arg)
	}
	addr, err := strconv.ParseUint(strings.TrimSpace(addrStr), 10, 16)
	if err != nil {
		return fmt.Errorf("address: %w", err)
	}
	parts := strings.Split(valuesStr, ",")
	values := make([]byte, 0, len(parts)*2)
	for _, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 16)
		if err != nil {
			return fmt.Errorf("value %q: %w", p, err)
		}
		values = binary.BigEndian.AppendUint16(values, uint16(v))
	}
	if len(parts) == 1 {
		_, err = client.WriteSingleRegister(uint16(addr), binary.BigEndian.Uint16(values))
	} else {
		_, err = client.WriteMultipleRegisters(uint16(addr), uint16(len(parts)), values)
	}
	return err
}
