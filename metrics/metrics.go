// Copyright 2025 The walletmux Authors
// This file is part of the walletmux library.
//
// The walletmux library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The walletmux library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the walletmux library. If not, see <http://www.gnu.org/licenses/>.

// Package metrics exposes the daemon's Prometheus instrumentation.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// RequestsTotal counts handled wallet requests by method and outcome.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletmux",
		Name:      "requests_total",
		Help:      "Handled wallet requests by method and outcome.",
	}, []string{"method", "outcome"})

	// SettlementsTotal counts applied invoice settlements.
	SettlementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "walletmux",
		Name:      "settlements_total",
		Help:      "Pending invoices settled and credited.",
	})

	// SettledMsatTotal sums credited millisatoshis.
	SettledMsatTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "walletmux",
		Name:      "settled_msat_total",
		Help:      "Total millisatoshis credited by settlements.",
	})

	// ExpiredInvoicesTotal counts invoices swept into the expired state.
	ExpiredInvoicesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "walletmux",
		Name:      "expired_invoices_total",
		Help:      "Pending invoices transitioned to expired by the sweeper.",
	})

	// SubAccounts tracks the number of live sub-wallets.
	SubAccounts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "walletmux",
		Name:      "sub_accounts",
		Help:      "Live sub-wallet endpoints.",
	})
)

// Server serves the /metrics endpoint.
type Server struct {
	srv *http.Server
	log *logrus.Entry
}

// NewServer builds a metrics server on addr.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv: &http.Server{Addr: addr, Handler: mux},
		log: logrus.WithField("subsys", "metrics"),
	}
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.log.WithField("addr", s.srv.Addr).Info("metrics listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("metrics server failed")
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.WithError(err).Warn("metrics shutdown failed")
	}
}
