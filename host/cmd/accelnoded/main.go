package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"accelnode/host/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		log.Errorln(err)
		os.Exit(1)
	}
}
