package session

import (
	"pkt.systems/permitd/internal/arbiter"
	"pkt.systems/permitd/internal/svcfields"
	"pkt.systems/permitd/internal/wire"
)

// dispatch claims grants for as long as s is open and delivers each one
// according to the routing mode.
func (h *Handler) dispatch(s *Session) {
	logger := svcfields.WithSubsystem(s.logger, "session.dispatcher")
	for {
		grant, err := h.cfg.Arbiter.Await(s.ctx)
		if err != nil {
			return
		}
		target := h.route(s, grant)
		if target == nil {
			h.cfg.Metrics.DeliveryFailure(s.ctx)
			logger.Warn("permitd.session.grant_orphaned",
				"grant_id", grant.ID,
				"requester", wire.RequesterLabel(grant.Requester),
				"origin", grant.Session)
			h.cfg.Arbiter.Revoke(grant.ID)
			continue
		}
		if target.id != grant.Session && !h.cfg.Arbiter.Assign(grant.ID, target.id) {
			logger.Warn("permitd.session.grant_withdrawn",
				"grant_id", grant.ID,
				"requester", wire.RequesterLabel(grant.Requester),
				"origin", grant.Session)
			continue
		}
		if err := target.Send(wire.Grant(grant.Requester)); err != nil {
			h.cfg.Metrics.DeliveryFailure(s.ctx)
			logger.Warn("permitd.session.grant_undelivered",
				"grant_id", grant.ID,
				"requester", wire.RequesterLabel(grant.Requester),
				"target", target.id,
				"error", err)
			target.Close()
			h.cfg.Arbiter.Revoke(grant.ID)
			if target == s {
				return
			}
			continue
		}
		logger.Debug("permitd.session.grant_sent",
			"grant_id", grant.ID,
			"requester", wire.RequesterLabel(grant.Requester),
			"target", target.id)
	}
}

// route picks the session that receives grant, or nil when the originating
// session is gone.
func (h *Handler) route(s *Session, grant arbiter.Grant) *Session {
	if h.cfg.Routing == RoutingClaimer || grant.Session == s.id {
		return s
	}
	target, ok := h.cfg.Registry.Get(grant.Session)
	if !ok {
		return nil
	}
	return target
}
