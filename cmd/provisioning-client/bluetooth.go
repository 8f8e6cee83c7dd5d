package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	errw "github.com/pkg/errors"
	"tinygo.org/x/bluetooth"

	"github.com/senic/hub/subsystems/bluenet"
)

func btClient() error {
	adapter := bluetooth.DefaultAdapter

	if err := adapter.Enable(); err != nil {
		return err
	}

	if opts.BTScan {
		return BTScanOnly(adapter)
	}

	device, err := Connect()
	if err != nil {
		return errw.Wrap(err, "connecting")
	}
	defer Disconnect(device)

	chars, err := getCharacteristicsMap(device)
	if err != nil {
		return err
	}

	if opts.Info {
		if err := BTGetInfo(chars); err != nil {
			return err
		}
	}

	if opts.Networks > 0 {
		if err := BTGetNetworks(chars, opts.Networks); err != nil {
			return err
		}
	}

	if opts.WifiSSID != "" {
		if err := BTSetWifiCreds(chars); err != nil {
			return err
		}
		return BTWaitConnected(chars)
	}

	return nil
}

func BTScanOnly(adapter *bluetooth.Adapter) error {
	fmt.Println("Scanning for bluetooth devices...")

	seen := make(map[string]bool)
	var err error
	go func() {
		err = adapter.Scan(
			func(adapter *bluetooth.Adapter, device bluetooth.ScanResult) {
				if device.LocalName() != "" {
					if seen[device.Address.String()] {
						return
					}
					seen[device.Address.String()] = true
					fmt.Printf("Found device: %s [%s]\n", device.LocalName(), device.Address.String())
				}
			},
		)
		if err != nil {
			fmt.Printf("error while scanning: %s", err.Error())
		}
	}()

	time.Sleep(time.Minute)
	err2 := adapter.StopScan()
	return errors.Join(err, err2)
}

func BTScan(adapter *bluetooth.Adapter) (bluetooth.Address, error) {
	fmt.Printf("Searching for device name that includes filter string: %s\n", opts.BTFilter)
	fmt.Println("Scanning...")

	ch := make(chan bluetooth.ScanResult, 1)
	serviceUUID := getUUID(bluenet.ServiceUUID)

	go func() {
		err := adapter.Scan(
			func(adapter *bluetooth.Adapter, device bluetooth.ScanResult) {
				if strings.Contains(device.LocalName(), opts.BTFilter) || device.HasServiceUUID(serviceUUID) {
					fmt.Printf("Found device: %s [%s]\n", device.LocalName(), device.Address.String())
					select {
					case ch <- device:
					default:
					}
				}
			},
		)
		if err != nil {
			fmt.Printf("error while scanning: %s", err.Error())
		}
	}()

	var addr bluetooth.Address
	var good bool

	select {
	case result := <-ch:
		good = true
		addr = result.Address
	case <-time.After(time.Second * 30):
	}
	err := adapter.StopScan()
	if !good {
		return addr, errors.Join(err, fmt.Errorf("failed to find device matching filter: %s", opts.BTFilter))
	}

	return addr, err
}

func BTGetInfo(chars map[uuid.UUID]bluetooth.DeviceCharacteristic) error {
	buf := make([]byte, 512)

	size, err := chars[bluenet.HostNameUUID].Read(buf)
	if err != nil {
		return errw.Wrap(err, "reading hostname")
	}
	hostname := string(buf[:size])

	size, err = chars[bluenet.VersionUUID].Read(buf)
	if err != nil {
		return errw.Wrap(err, "reading version")
	}
	version := string(buf[:size])

	size, err = chars[bluenet.ConnectionStateUUID].Read(buf)
	if err != nil {
		return errw.Wrap(err, "reading connection state")
	}
	state, ssid, err := bluenet.DecodeConnectionState(buf[:size])
	if err != nil {
		return err
	}

	fmt.Printf("Hostname: %s, Protocol Version: %s, Wifi: %s %s\n", hostname, version, state, ssid)
	return nil
}

func BTGetNetworks(chars map[uuid.UUID]bluetooth.DeviceCharacteristic, listen time.Duration) error {
	seen := make(map[string]bool)
	ch := make(chan string, 16)
	networks := chars[bluenet.AvailableNetworksUUID]
	err := networks.EnableNotifications(func(buf []byte) {
		select {
		case ch <- string(buf):
		default:
		}
	})
	if err != nil {
		return errw.Wrap(err, "subscribing to available networks")
	}

	fmt.Println("Networks:")
	deadline := time.After(listen)
	for {
		select {
		case ssid := <-ch:
			if !seen[ssid] {
				seen[ssid] = true
				fmt.Printf("SSID: %s\n", ssid)
			}
		case <-deadline:
			return nil
		}
	}
}

func BTSetWifiCreds(chars map[uuid.UUID]bluetooth.DeviceCharacteristic) error {
	fmt.Println("Writing wifi credentials...")

	_, err := chars[bluenet.SSIDUUID].WriteWithoutResponse([]byte(opts.WifiSSID))
	if err != nil {
		return errw.Wrap(err, "writing ssid")
	}

	// the credentials write starts the join
	_, err = chars[bluenet.CredentialsUUID].WriteWithoutResponse([]byte(opts.WifiPassword))
	if err != nil {
		return errw.Wrap(err, "writing credentials")
	}
	return nil
}

func BTWaitConnected(chars map[uuid.UUID]bluetooth.DeviceCharacteristic) error {
	states := make(chan []byte, 4)
	stateChar := chars[bluenet.ConnectionStateUUID]
	err := stateChar.EnableNotifications(func(buf []byte) {
		select {
		case states <- append([]byte(nil), buf...):
		default:
		}
	})
	if err != nil {
		return errw.Wrap(err, "subscribing to connection state")
	}

	deadline := time.After(time.Minute)
	for {
		select {
		case value := <-states:
			state, ssid, err := bluenet.DecodeConnectionState(value)
			if err != nil {
				return err
			}
			fmt.Printf("Wifi: %s %s\n", state, ssid)
			if state == bluenet.StateConnected {
				return nil
			}
		case <-deadline:
			return errors.New("timed out waiting for the hub to join the network")
		}
	}
}

func getUUID(id uuid.UUID) bluetooth.UUID {
	return bluetooth.NewUUID(id)
}

func Connect() (*bluetooth.Device, error) {
	adapter := bluetooth.DefaultAdapter
	addr, err := BTScan(adapter)
	if err != nil {
		return nil, err
	}
	fmt.Println("Connecting...")
	device, err := adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, errw.Wrap(err, "connecting device")
	}
	return &device, nil
}

func Disconnect(device *bluetooth.Device) {
	fmt.Println("Disconnecting...")
	err := device.Disconnect()
	if err != nil {
		println(err)
	}
}

func getCharacteristicsMap(device *bluetooth.Device) (map[uuid.UUID]bluetooth.DeviceCharacteristic, error) {
	charMap := make(map[uuid.UUID]bluetooth.DeviceCharacteristic)
	known := []uuid.UUID{
		bluenet.AvailableNetworksUUID,
		bluenet.ConnectionStateUUID,
		bluenet.HostNameUUID,
		bluenet.VersionUUID,
		bluenet.SSIDUUID,
		bluenet.CredentialsUUID,
	}

	fmt.Printf("Discovering characteristics for service UUID: %s\n", bluenet.ServiceUUID)
	srvcs, err := device.DiscoverServices([]bluetooth.UUID{getUUID(bluenet.ServiceUUID)})
	if err != nil {
		return charMap, errw.Wrap(err, "discovering service")
	}
	if len(srvcs) == 0 {
		return charMap, errors.New("provisioning service not found")
	}
	chars, err := srvcs[0].DiscoverCharacteristics(nil)
	if err != nil {
		return charMap, errw.Wrap(err, "discovering characteristics")
	}

	for _, char := range chars {
		found := false
		for _, id := range known {
			if char.UUID() == getUUID(id) {
				charMap[id] = char
				found = true
				fmt.Printf("Found: %s\n", id)
			}
		}
		if !found {
			fmt.Printf("Unknown characteristic discovered with UUID: %s\n", char.UUID().String())
		}
	}

	for _, id := range known {
		if _, ok := charMap[id]; !ok {
			return charMap, errw.Errorf("characteristic %s missing", id)
		}
	}
	return charMap, nil
}
