/*
Copyright 2025 Graft Authors
SPDX-License-Identifier: Apache-2.0
*/

package syncmanager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	driftCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graft_drift_checks_total",
			Help: "Total number of drift checks by result",
		},
		[]string{"result"},
	)

	syncCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graft_syncs_total",
			Help: "Total number of sync operations by delivery mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	syncFileCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "graft_sync_files_total",
			Help: "Total number of template files carried by sync commits",
		},
	)
)

const (
	driftBehind = "behind"
	driftClean  = "clean"
	driftError  = "error"

	modeDirect = "direct"
	modeReview = "review"

	outcomeSuccess = "success"
	outcomeError   = "error"
)
