/*
Copyright 2025 Graft Authors
SPDX-License-Identifier: Apache-2.0
*/

// Package main implements the graft command line interface: provisioning
// repositories from templates and replaying template changes onto them.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	Execute(ctx)
}
