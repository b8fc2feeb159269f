package main

import (
	"os"

	"github.com/cloudpulse-io/cloudpulse/cmd/cloudpulse/cmd"
	"github.com/cloudpulse-io/cloudpulse/internal/common"
)

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
