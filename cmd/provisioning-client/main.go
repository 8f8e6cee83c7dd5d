package main

import "go.viam.com/rdk/logging"

func main() {
	if !parseOpts() {
		return
	}

	// using the logger because it handily unwraps errors for us
	logger := logging.NewDebugLogger("provisioning-client")

	if opts.Address != "" {
		if err := rpcClient(); err != nil {
			logger.Error(err)
		}
		return
	}
	if err := btClient(); err != nil {
		logger.Error(err)
	}
}
