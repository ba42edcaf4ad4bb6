/*
Copyright 2025 Graft Authors
SPDX-License-Identifier: Apache-2.0
*/

package clonemanager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cloneCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graft_clones_total",
			Help: "Total number of clone operations by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	fallbackCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "graft_clone_fallbacks_total",
			Help: "Total number of clones that fell back to the git database strategy",
		},
	)

	fileCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graft_clone_files_total",
			Help: "Total number of template files handled during clones",
		},
		[]string{"strategy", "state"},
	)
)

const (
	outcomeSuccess = "success"
	outcomeError   = "error"

	stateWritten = "written"
	stateSkipped = "skipped"
)
