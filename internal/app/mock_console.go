// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relabs-tech/pdr_locator/internal/estimator"
	"github.com/relabs-tech/pdr_locator/internal/imu"
	"github.com/relabs-tech/pdr_locator/internal/pipeline"
)

// RunMockConsole runs the whole locator in-process on synthetic walking
// samples and prints every position. No broker or config file needed.
func RunMockConsole() error {
	const intervalMS = 20

	src := imu.NewMockSource(intervalMS * time.Millisecond)
	est := estimator.NewStepEstimator(intervalMS, 0.7)
	loc, err := pipeline.New(src, est)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := loc.Start(ctx, "pdr-oriented"); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return loc.Stop()
		case r := <-loc.Results():
			fmt.Println(formatResult(r))
		}
	}
}
