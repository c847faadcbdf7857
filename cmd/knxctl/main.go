// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/eibnet/knx/internal/stats"
	"github.com/eibnet/knx/knx"
	"github.com/eibnet/knx/knx/cemi"
	"github.com/eibnet/knx/knx/discover"
	"github.com/eibnet/knx/knx/knxnet"
)

// VERSION is injected by buildflags
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "knxctl"
	myApp.Usage = "KNXnet/IP discovery, tunneling, device management and routing client"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "mode",
			Value: "discover",
			Usage: "discover, tunnel, devicemgmt, route",
		},
		cli.StringFlag{
			Name:  "remoteaddr, r",
			Value: "",
			Usage: `KNXnet/IP server address, eg: "192.168.1.10:3671" (required for tunnel/devicemgmt modes)`,
		},
		cli.StringFlag{
			Name:  "layer",
			Value: "linklayer",
			Usage: "tunnel layer for mode=tunnel: linklayer, busmon, raw",
		},
		cli.StringFlag{
			Name:  "group",
			Value: knxnet.DefaultMulticastAddr,
			Usage: "routing multicast group for mode=route",
		},
		cli.IntFlag{
			Name:  "port",
			Value: knxnet.DefaultPort,
			Usage: "routing multicast port for mode=route",
		},
		cli.IntFlag{
			Name:  "responsetimeout",
			Value: 10,
			Usage: "seconds to wait for a service confirmation (CONNECT_RES, TUNNELING_ACK, ...)",
		},
		cli.IntFlag{
			Name:  "heartbeat",
			Value: 60,
			Usage: "seconds between CONNECTIONSTATE_REQ heartbeats on an idle connection",
		},
		cli.IntFlag{
			Name:  "heartbeattimeout",
			Value: 10,
			Usage: "seconds to wait for a single heartbeat response",
		},
		cli.IntFlag{
			Name:  "heartbeatretries",
			Value: 4,
			Usage: "consecutive missed heartbeats tolerated before the connection is torn down",
		},
		cli.IntFlag{
			Name:  "searchtimeout",
			Value: 3,
			Usage: "seconds to collect SEARCH_RES replies for mode=discover",
		},
		cli.BoolFlag{
			Name:  "disableresync",
			Usage: "reject a tunnel frame on the first skipped sequence number instead of tolerating it",
		},
		cli.StringFlag{
			Name:  "statslog",
			Value: "",
			Usage: "collect frame counters to file for mode=route, aware of timeformat in golang, like: ./stats-20060102.csv",
		},
		cli.IntFlag{
			Name:  "statsperiod",
			Value: 60,
			Usage: "stats collection period, in seconds",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.BoolFlag{
			Name:  "quiet",
			Usage: "suppress per-frame trace output",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "",
			Usage: "config from json file, which will override the command from shell",
		},
		cli.BoolFlag{
			Name:  "pprof",
			Usage: "start profiling server on :6060",
		},
	}
	myApp.Action = func(c *cli.Context) error {
		config := Config{}
		config.Mode = c.String("mode")
		config.RemoteAddr = c.String("remoteaddr")
		config.Layer = c.String("layer")
		config.Group = c.String("group")
		config.Port = c.Int("port")
		config.ResponseTimeout = c.Int("responsetimeout")
		config.HeartbeatInterval = c.Int("heartbeat")
		config.HeartbeatTimeout = c.Int("heartbeattimeout")
		config.HeartbeatRetries = c.Int("heartbeatretries")
		config.SearchTimeout = c.Int("searchtimeout")
		config.DisableResync = c.Bool("disableresync")
		config.StatsLog = c.String("statslog")
		config.StatsPeriod = c.Int("statsperiod")
		config.Log = c.String("log")
		config.Quiet = c.Bool("quiet")
		config.Pprof = c.Bool("pprof")

		if c.String("c") != "" {
			err := parseJSONConfig(&config, c.String("c"))
			checkError(err)
		}

		if config.Log != "" {
			f, err := os.OpenFile(config.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
			checkError(err)
			defer f.Close()
			log.SetOutput(f)
		}

		log.Println("version:", VERSION)
		log.Println("mode:", config.Mode)
		log.Println("remoteaddr:", config.RemoteAddr)
		log.Println("responsetimeout:", config.ResponseTimeout)
		log.Println("heartbeat:", config.HeartbeatInterval, "timeout:", config.HeartbeatTimeout, "retries:", config.HeartbeatRetries)
		log.Println("disableresync:", config.DisableResync)
		log.Println("quiet:", config.Quiet)
		log.Println("pprof:", config.Pprof)

		if config.Pprof {
			go http.ListenAndServe(":6060", nil)
		}

		ctx, cancel := context.WithCancel(context.Background())
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sig
			log.Println("signal received, shutting down")
			cancel()
		}()

		knxCfg := knx.Config{
			ResponseTimeout:     time.Duration(config.ResponseTimeout) * time.Second,
			HeartbeatInterval:   time.Duration(config.HeartbeatInterval) * time.Second,
			HeartbeatTimeout:    time.Duration(config.HeartbeatTimeout) * time.Second,
			HeartbeatRetries:    config.HeartbeatRetries,
			DisableResyncOnSkip: config.DisableResync,
		}

		switch config.Mode {
		case "discover":
			return runDiscover(ctx, config)
		case "tunnel":
			return runTunnel(ctx, config, knxCfg)
		case "devicemgmt":
			return runDeviceMgmt(ctx, config, knxCfg)
		case "route":
			return runRoute(ctx, config)
		default:
			log.Fatal("unknown mode:", config.Mode)
		}
		return nil
	}
	myApp.Run(os.Args)
}

func runDiscover(ctx context.Context, config Config) error {
	timeout := time.Duration(config.SearchTimeout) * time.Second
	searchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results, err := discover.Search(searchCtx)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		color.Yellow("no KNXnet/IP servers responded within %s", timeout)
		return nil
	}
	for _, r := range results {
		fmt.Printf("%s  control=%s:%d\n", r.From, r.Control.IP, r.Control.Port)
		for _, dib := range r.DIBs {
			fmt.Printf("  DIB type=%#x len=%d\n", dib.Type, len(dib.Payload))
		}
	}
	return nil
}

func runTunnel(ctx context.Context, config Config, knxCfg knx.Config) error {
	if config.RemoteAddr == "" {
		log.Fatal("mode=tunnel requires -remoteaddr")
	}
	layer := tunnelLayer(config.Layer)

	t, err := knx.DialTunnel(ctx, config.RemoteAddr, layer, knxCfg)
	if err != nil {
		return err
	}
	defer t.Close()

	log.Println("tunnel established, channel:", t.Channel())
	if layer == knxnet.TunnelBusmon {
		for {
			select {
			case frame, ok := <-t.BusmonInbound():
				if !ok {
					log.Println("tunnel closed by peer")
					return nil
				}
				if !config.Quiet {
					log.Printf("L-Busmon: % x", frame.Raw)
				}
			case <-ctx.Done():
				return nil
			}
		}
	}

	for {
		select {
		case frame, ok := <-t.Inbound():
			if !ok {
				log.Println("tunnel closed by peer")
				return nil
			}
			logFrame(config.Quiet, frame)
		case <-ctx.Done():
			return nil
		}
	}
}

func runDeviceMgmt(ctx context.Context, config Config, knxCfg knx.Config) error {
	if config.RemoteAddr == "" {
		log.Fatal("mode=devicemgmt requires -remoteaddr")
	}

	d, err := knx.DialDeviceManagement(ctx, config.RemoteAddr, knxCfg)
	if err != nil {
		return err
	}
	defer d.Close()

	log.Println("device management connection established, channel:", d.Channel())
	for {
		select {
		case payload, ok := <-d.Inbound():
			if !ok {
				log.Println("device management connection closed by peer")
				return nil
			}
			if !config.Quiet {
				log.Printf("devmgmt: %d bytes", len(payload))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func runRoute(ctx context.Context, config Config) error {
	group := net.ParseIP(config.Group)
	r, err := knx.DialGroupRouter(group, config.Port)
	if err != nil {
		return err
	}
	defer r.Close()

	log.Println("joined routing group:", config.Group, "port:", config.Port)
	if config.StatsLog != "" {
		go stats.CSVLogger(config.StatsLog, time.Duration(config.StatsPeriod)*time.Second, r.Stats())
	}
	for {
		select {
		case frame, ok := <-r.Inbound():
			if !ok {
				return nil
			}
			logFrame(config.Quiet, frame)
		case lost, ok := <-r.LostMessages():
			if ok {
				color.Yellow("ROUTING_LOST_MSG: %d frames dropped", lost.LostCount)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func logFrame(quiet bool, frame cemi.LData) {
	if quiet {
		return
	}
	log.Printf("L-Data %s -> %#04x: % x", addr16(frame.Source), frame.Dest, frame.TPDU)
}

func addr16(a uint16) string {
	return fmt.Sprintf("%d.%d.%d", a>>12&0xF, a>>8&0xF, a&0xFF)
}

func tunnelLayer(name string) knxnet.TunnelLayer {
	switch name {
	case "busmon":
		return knxnet.TunnelBusmon
	case "raw":
		return knxnet.TunnelRaw
	default:
		return knxnet.TunnelLinkLayer
	}
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(-1)
	}
}
