// Package service ties the supervision components behind the API surface.
package service

import (
	"log/slog"

	"github.com/agencyenterprise/AE-Scientist-sub002/internal/compute"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/config"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/narrator"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/store"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/stream"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/termination"
)

// Service exposes run operations to the transport layer.
type Service struct {
	store  *store.SQLiteStore
	prov   compute.Provisioner
	narr   *narrator.Narrator
	term   *termination.Workflow
	hub    *stream.Hub
	cfg    *config.Config
	logger *slog.Logger
}

// New wires the service.
func New(s *store.SQLiteStore, prov compute.Provisioner, narr *narrator.Narrator,
	term *termination.Workflow, hub *stream.Hub, cfg *config.Config, logger *slog.Logger) *Service {
	return &Service{
		store:  s,
		prov:   prov,
		narr:   narr,
		term:   term,
		hub:    hub,
		cfg:    cfg,
		logger: logger,
	}
}

// Hub exposes the stream hub to the websocket handler.
func (s *Service) Hub() *stream.Hub { return s.hub }
