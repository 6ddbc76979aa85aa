//go:build !linux

package cli

import (
	"errors"

	"accelnode/host/config"
)

func openLinux(config.AccelNodeOpt) (*backend, error) {
	return nil, errors.New("the linux bus backend needs linux")
}
