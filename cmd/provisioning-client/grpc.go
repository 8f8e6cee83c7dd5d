package main

import (
	"context"
	"fmt"
	"time"

	"github.com/senic/hub/subsystems/bluenet"
)

func rpcClient() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	connected, err := bluenet.IsConnected(ctx, opts.Address)
	if err != nil {
		return err
	}
	fmt.Printf("Setup app connected: %t\n", connected)
	return nil
}
