//go:build !linux

package main

import (
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

func runAction(*cli.Context) error {
	return errors.New("run is only supported on Linux boards")
}
