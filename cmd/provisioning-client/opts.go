package main

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jessevdk/go-flags"
)

//nolint:lll
var opts struct {
	BTScan   bool   `description:"Only list nearby devices"     long:"scan"`
	BTFilter string `default:"Senic Hub"                          description:"Bluetooth Device Name Prefix" long:"filter" short:"f"`

	Address string `description:"bluenet RPC address to query (ex: '127.0.0.1:6459')" long:"address" short:"a"`

	WifiSSID     string `description:"SSID to join"          long:"wifi-ssid"`
	WifiPassword string `description:"Password for the wifi" long:"wifi-password"`

	Networks time.Duration `description:"Listen for available networks this long" long:"networks" short:"n"`
	Info     bool          `description:"Read hostname, version and connection state" long:"info" short:"i"`
	Help     bool          `description:"Show this help message"                    long:"help" short:"h"`
}

func parseOpts() bool {
	parser := flags.NewParser(&opts, flags.IgnoreUnknown)
	parser.Usage = "talks to a hub's bluenet provisioning service over bluetooth, or to its RPC endpoint."

	_, err := parser.Parse()
	if err != nil {
		panic(err)
	}

	if !opts.BTScan && opts.Address == "" && opts.WifiSSID == "" && opts.Networks == 0 && !opts.Info {
		opts.Help = true
	}

	if opts.Help {
		var b bytes.Buffer
		parser.WriteHelp(&b)

		fmt.Println(b.String())
		return false
	}

	if opts.WifiPassword != "" && opts.WifiSSID == "" {
		fmt.Println("Error: --wifi-password needs --wifi-ssid")
		return false
	}

	return true
}
