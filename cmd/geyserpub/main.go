// Command geyserpub hosts the geyser publisher behind a newline-delimited JSON event stream.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
